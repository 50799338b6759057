package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/core/llm"
	"github.com/perceptlab/percept/internal/process/compose"
	"github.com/perceptlab/percept/internal/process/pipeline"
)

type fakeLLM struct {
	completeCalls int
	pinnedCalls   int
	failUntil     int
	err           error
	lastProvider  llm.ProviderName
	lastReq       llm.CompletionRequest
	routeErr      error
}

func (f *fakeLLM) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	f.completeCalls++
	f.lastReq = req

	if f.err != nil && f.completeCalls <= f.failUntil {
		return llm.CompletionResult{}, f.err
	}

	return llm.CompletionResult{
		Text:             "the answer",
		Provider:         llm.ProviderOpenAI,
		Model:            "gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 50,
		LatencyMs:        120,
	}, nil
}

func (f *fakeLLM) CompleteWith(_ context.Context, provider llm.ProviderName, req llm.CompletionRequest) (llm.CompletionResult, error) {
	f.pinnedCalls++
	f.lastProvider = provider
	f.lastReq = req

	return llm.CompletionResult{
		Text:             "the pinned answer",
		Provider:         provider,
		Model:            req.Model,
		PromptTokens:     80,
		CompletionTokens: 40,
	}, nil
}

func (f *fakeLLM) Route() (llm.RoutingDecision, error) {
	if f.routeErr != nil {
		return llm.RoutingDecision{}, f.routeErr
	}

	return llm.RoutingDecision{
		Provider:              llm.ProviderOpenAI,
		Model:                 "gpt-4o-mini",
		Reason:                "cheapest healthy route",
		BlendedCostPerMToken:  0.3,
		BaselineProvider:      llm.ProviderAnthropic,
		BaselineModel:         "claude-sonnet-4-0",
		BaselineCostPerMToken: 6.0,
	}, nil
}

func (f *fakeLLM) ProviderStatuses() []llm.ProviderStatus { return nil }

func (f *fakeLLM) BudgetStatus() (int64, int64, float64) { return 0, 0, 0 }

type fakeComposer struct {
	calls  int
	result *compose.Result
}

func (f *fakeComposer) Compose(_ context.Context, _ compose.Request) (*compose.Result, error) {
	f.calls++
	if f.result != nil {
		return f.result, nil
	}

	return &compose.Result{Prompt: "## CorePersonalRules\n- be terse", ComponentsUsed: 1}, nil
}

type fakeSubmitter struct {
	lastReq pipeline.Request
	calls   int
}

func (f *fakeSubmitter) Submit(_ context.Context, req pipeline.Request) (*pipeline.Summary, error) {
	f.calls++
	f.lastReq = req

	return &pipeline.Summary{
		ProcessedCount: 1,
		Items:          []pipeline.ItemResult{{ID: "obs-chat-1", Accepted: true}},
	}, nil
}

type fakePrefs struct {
	prefs domain.PrivacyPreferences
}

func (f *fakePrefs) Preferences(_ context.Context, userID string) (*domain.PrivacyPreferences, error) {
	p := f.prefs
	p.UserID = userID

	return &p, nil
}

type usageRow struct {
	provider, model    string
	prompt, completion int
	cost               float64
	failed             bool
}

type fakeUsage struct {
	rows []usageRow
}

func (f *fakeUsage) IncrementModelUsage(_ context.Context, _, _, provider, model string, promptTokens, completionTokens int, cost float64, failed bool) error {
	f.rows = append(f.rows, usageRow{provider, model, promptTokens, completionTokens, cost, failed})
	return nil
}

type fixture struct {
	gw       *Gateway
	llm      *fakeLLM
	composer *fakeComposer
	pipe     *fakeSubmitter
	usage    *fakeUsage
}

func newFixture(prefs domain.PrivacyPreferences) *fixture {
	logger := zerolog.Nop()

	f := &fixture{
		llm:      &fakeLLM{},
		composer: &fakeComposer{},
		pipe:     &fakeSubmitter{},
		usage:    &fakeUsage{},
	}
	f.gw = New(f.llm, f.composer, f.pipe, &fakePrefs{prefs: prefs}, f.usage, &logger)
	f.gw.retry.InitialDelay = time.Millisecond
	f.gw.retry.MaxDelay = time.Millisecond

	return f
}

func consented() domain.PrivacyPreferences {
	return domain.DefaultPrivacyPreferences("")
}

func TestChatHappyPath(t *testing.T) {
	f := newFixture(consented())

	resp, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-1", Question: "what should I read next?",
	})
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Answer)
	assert.Equal(t, 100, resp.Usage.PromptTokens)
	assert.True(t, resp.PromptProfileUsed)
	assert.Equal(t, "obs-chat-1", resp.ObservationID)
	assert.Equal(t, llm.ProviderOpenAI, resp.Routing.Provider)
	assert.InDelta(t, 95.0, resp.Billing.SavingPercent, 0.1)
	assert.False(t, resp.Billing.FeeWaived)

	// The composed prompt rides in System, the question in Prompt.
	assert.Contains(t, f.llm.lastReq.System, "be terse")
	assert.Equal(t, "what should I read next?", f.llm.lastReq.Prompt)

	require.Len(t, f.usage.rows, 1)
	assert.False(t, f.usage.rows[0].failed)
	assert.Greater(t, f.usage.rows[0].cost, 0.0)
}

func TestChatFeedbackObservation(t *testing.T) {
	f := newFixture(consented())

	_, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-1", Question: "q?",
	})
	require.NoError(t, err)

	require.Equal(t, 1, f.pipe.calls)
	require.Len(t, f.pipe.lastReq.Batch, 1)

	obs := f.pipe.lastReq.Batch[0]
	assert.Equal(t, domain.ChatSource, obs.Source)
	assert.Equal(t, "q?", obs.Highlight)
	assert.Equal(t, "the answer", obs.Note)
	assert.Equal(t, []string{"qa"}, obs.Tags)
	assert.Equal(t, "user-1", f.pipe.lastReq.UserID)
}

func TestChatEmptyQuestion(t *testing.T) {
	f := newFixture(consented())

	_, err := f.gw.Chat(context.Background(), ChatRequest{UserID: "user-1", Question: "  "})
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrValidation))
}

func TestChatBlockedApp(t *testing.T) {
	prefs := consented()
	prefs.BlockedApps = []string{"app-bad"}

	f := newFixture(prefs)

	_, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-bad", Question: "q",
	})
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrAppBlocked))
}

func TestChatWithoutExternalConsent(t *testing.T) {
	prefs := consented()
	prefs.ExternalConsent = false

	f := newFixture(prefs)

	resp, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-1", Question: "q",
	})
	require.NoError(t, err)

	assert.Zero(t, f.composer.calls)
	assert.False(t, resp.PromptProfileUsed)
	assert.Empty(t, f.llm.lastReq.System)
}

func TestChatUserKeyPinsRoute(t *testing.T) {
	f := newFixture(consented())

	resp, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-1", Question: "q",
		UserProvidedKey: "sk-user-key", ModelPreference: "anthropic:claude-sonnet-4-0",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.llm.pinnedCalls)
	assert.Zero(t, f.llm.completeCalls)
	assert.Equal(t, llm.ProviderAnthropic, f.llm.lastProvider)
	assert.Equal(t, "claude-sonnet-4-0", f.llm.lastReq.Model)
	assert.True(t, resp.Routing.PinnedByUser)
	assert.True(t, resp.Billing.FeeWaived)
	assert.Zero(t, resp.Billing.CostUSD)

	require.Len(t, f.usage.rows, 1)
	assert.Zero(t, f.usage.rows[0].cost)
}

func TestChatRetriesTransientModelFailure(t *testing.T) {
	f := newFixture(consented())
	f.llm.err = perrors.ErrAllProvidersFailed
	f.llm.failUntil = 2

	resp, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-1", Question: "q",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.llm.completeCalls)
	assert.Equal(t, "the answer", resp.Answer)
}

func TestChatFinalFailure(t *testing.T) {
	f := newFixture(consented())
	f.llm.err = perrors.ErrAllProvidersFailed
	f.llm.failUntil = 100

	_, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-1", Question: "q",
	})
	require.Error(t, err)

	var chatErr *ChatError
	require.True(t, perrors.As(err, &chatErr))
	assert.NotEmpty(t, chatErr.RetryToken)
	assert.Contains(t, chatErr.Prompt, "be terse")
	assert.True(t, perrors.Is(err, perrors.ErrExternalModel))

	// The failed attempt still leaves a zero-cost usage row.
	require.Len(t, f.usage.rows, 1)
	assert.True(t, f.usage.rows[0].failed)
	assert.Zero(t, f.usage.rows[0].cost)

	// No feedback observation for a failed exchange.
	assert.Zero(t, f.pipe.calls)
}

func TestChatBudgetExhaustedDoesNotRetry(t *testing.T) {
	f := newFixture(consented())
	f.llm.err = perrors.ErrBudgetExhausted
	f.llm.failUntil = 100

	_, err := f.gw.Chat(context.Background(), ChatRequest{
		UserID: "user-1", AppID: "app-1", Question: "q",
	})
	require.Error(t, err)
	assert.Equal(t, 1, f.llm.completeCalls)
}

func TestParsePreference(t *testing.T) {
	cases := []struct {
		in       string
		provider llm.ProviderName
		model    string
	}{
		{"anthropic:claude-sonnet-4-0", llm.ProviderAnthropic, "claude-sonnet-4-0"},
		{"openai", llm.ProviderOpenAI, ""},
		{"", llm.ProviderOpenAI, ""},
		{"unknown:model", llm.ProviderOpenAI, ""},
	}

	for _, tc := range cases {
		provider, model := parsePreference(tc.in)
		assert.Equal(t, tc.provider, provider, tc.in)
		assert.Equal(t, tc.model, model, tc.in)
	}
}
