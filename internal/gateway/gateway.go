// Package gateway serves the ask-a-question entry point: it composes a
// personalized prompt, routes the call to an external model, records
// usage, and feeds the exchange back into the observation pipeline.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/core/llm"
	"github.com/perceptlab/percept/internal/platform/retry"
	"github.com/perceptlab/percept/internal/process/compose"
	"github.com/perceptlab/percept/internal/process/pipeline"
)

const (
	// invokeAttempts is one initial call plus two retries.
	invokeAttempts = 3

	invokeRetryDelay = 500 * time.Millisecond
	invokeRetryCap   = 5 * time.Second

	answerMaxTokens = 4096
)

// Composer builds the personalization prompt.
type Composer interface {
	Compose(ctx context.Context, req compose.Request) (*compose.Result, error)
}

// Submitter feeds the Q/A exchange back as an observation.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Summary, error)
}

// PrefsSource resolves the user's privacy preferences.
type PrefsSource interface {
	Preferences(ctx context.Context, userID string) (*domain.PrivacyPreferences, error)
}

// UsageRepo records per-day model usage.
type UsageRepo interface {
	IncrementModelUsage(ctx context.Context, userID, appID, provider, model string, promptTokens, completionTokens int, cost float64, failed bool) error
}

// ChatRequest is one question.
type ChatRequest struct {
	UserID   string `json:"user_id"`
	AppID    string `json:"app_id"`
	Question string `json:"question"`

	// ModelPreference optionally pins "provider" or "provider:model".
	ModelPreference string `json:"model_preference,omitempty"`

	// UserProvidedKey marks the call as billed to the user's own provider
	// account; no service fee is recorded.
	UserProvidedKey string `json:"user_provided_key,omitempty"`
}

// Usage is the token accounting of one answer.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	LatencyMs        int64 `json:"latency_ms"`
}

// Billing is the cost side of one answer.
type Billing struct {
	CostUSD       float64 `json:"cost_usd"`
	FeeWaived     bool    `json:"fee_waived"`
	SavingPercent float64 `json:"saving_percent"`
}

// ChatResponse is the full answer envelope.
type ChatResponse struct {
	Answer            string              `json:"answer"`
	Usage             Usage               `json:"usage"`
	Billing           Billing             `json:"billing"`
	Routing           llm.RoutingDecision `json:"routing_decision"`
	PromptProfileUsed bool                `json:"prompt_profile_used"`
	ObservationID     string              `json:"observation_id,omitempty"`
}

// ChatError is returned after the last model retry fails. It carries the
// composed prompt and a retry token so the client can replay the call
// without re-composing.
type ChatError struct {
	Err        error  `json:"-"`
	Message    string `json:"message"`
	Prompt     string `json:"prompt,omitempty"`
	RetryToken string `json:"retry_token"`
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("chat failed: %s (retry token %s)", e.Message, e.RetryToken)
}

func (e *ChatError) Unwrap() error { return e.Err }

// Gateway wires composition, routing, usage, and the feedback loop.
type Gateway struct {
	client   llm.Client
	composer Composer
	pipeline Submitter
	prefs    PrefsSource
	usage    UsageRepo
	retry    retry.Config
	logger   *zerolog.Logger
}

func New(client llm.Client, composer Composer, pipe Submitter, prefs PrefsSource, usage UsageRepo, logger *zerolog.Logger) *Gateway {
	return &Gateway{
		client:   client,
		composer: composer,
		pipeline: pipe,
		prefs:    prefs,
		usage:    usage,
		retry: retry.Config{
			MaxAttempts:  invokeAttempts,
			InitialDelay: invokeRetryDelay,
			MaxDelay:     invokeRetryCap,
		},
		logger: logger,
	}
}

// Chat answers one question with the user's personalization context.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: empty question", perrors.ErrValidation)
	}

	prefs, err := g.prefs.Preferences(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if !prefs.AppAllowed(req.AppID) {
		return nil, perrors.ErrAppBlocked
	}

	composed := &compose.Result{}

	// Without external consent the question still gets answered, just
	// with no personal context attached.
	if prefs.ExternalConsent {
		composed, err = g.composer.Compose(ctx, compose.Request{
			UserID:   req.UserID,
			Query:    req.Question,
			External: true,
			Prefs:    prefs,
		})
		if err != nil {
			return nil, err
		}
	}

	decision, pinned := g.route(req)

	result, err := g.invoke(ctx, decision, pinned, composed.Prompt, req.Question)
	if err != nil {
		g.recordUsage(ctx, req, string(decision.Provider), decision.Model, 0, 0, 0, true)

		return nil, &ChatError{
			Err:        err,
			Message:    err.Error(),
			Prompt:     composed.Prompt,
			RetryToken: uuid.NewString(),
		}
	}

	cost := llm.EstimateCost(string(result.Provider), result.Model, result.PromptTokens, result.CompletionTokens)
	if pinned {
		cost = 0
	}

	g.recordUsage(ctx, req, string(result.Provider), result.Model,
		result.PromptTokens, result.CompletionTokens, cost, false)

	saving := decision.SavingPercent()

	resp := &ChatResponse{
		Answer: result.Text,
		Usage: Usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			LatencyMs:        result.LatencyMs,
		},
		Billing: Billing{
			CostUSD:       cost,
			FeeWaived:     pinned || saving <= 0,
			SavingPercent: saving,
		},
		Routing:           decision,
		PromptProfileUsed: composed.ComponentsUsed > 0 || composed.ObservationsUsed > 0,
	}

	resp.ObservationID = g.feedback(ctx, req, result.Text)

	return resp, nil
}

// route resolves the provider/model for the call. A user-provided key
// pins the route; otherwise the registry's cost policy decides.
func (g *Gateway) route(req ChatRequest) (llm.RoutingDecision, bool) {
	if req.UserProvidedKey != "" {
		provider, model := parsePreference(req.ModelPreference)

		return llm.RoutingDecision{
			Provider:     provider,
			Model:        model,
			Reason:       "pinned by user-provided key",
			PinnedByUser: true,
		}, true
	}

	decision, err := g.client.Route()
	if err != nil {
		g.logger.Warn().Err(err).Msg("routing policy unavailable, falling back to priority order")

		return llm.RoutingDecision{Reason: "priority fallback"}, false
	}

	return decision, false
}

func (g *Gateway) invoke(ctx context.Context, decision llm.RoutingDecision, pinned bool, system, question string) (llm.CompletionResult, error) {
	creq := llm.CompletionRequest{
		Model:     decision.Model,
		System:    system,
		Prompt:    question,
		MaxTokens: answerMaxTokens,
	}

	var result llm.CompletionResult

	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		var err error

		if pinned {
			result, err = g.client.CompleteWith(ctx, decision.Provider, creq)
		} else {
			result, err = g.client.Complete(ctx, creq)
		}

		return err
	}, func(err error) bool {
		return !perrors.Is(err, perrors.ErrBudgetExhausted) &&
			!perrors.Is(err, perrors.ErrNoProvidersAvailable)
	})
	if err != nil {
		return llm.CompletionResult{}, fmt.Errorf("%w: %s", perrors.ErrExternalModel, err)
	}

	return result, nil
}

func (g *Gateway) recordUsage(ctx context.Context, req ChatRequest, provider, model string, promptTokens, completionTokens int, cost float64, failed bool) {
	if err := g.usage.IncrementModelUsage(ctx, req.UserID, req.AppID, provider, model,
		promptTokens, completionTokens, cost, failed); err != nil {
		g.logger.Error().Err(err).Str("user_id", req.UserID).Msg("usage record failed")
	}
}

// feedback submits the Q/A exchange as a chat observation. Failures are
// logged, never surfaced; the user already has their answer.
func (g *Gateway) feedback(ctx context.Context, req ChatRequest, answer string) string {
	summary, err := g.pipeline.Submit(ctx, pipeline.Request{
		AppID:  req.AppID,
		UserID: req.UserID,
		Batch: []pipeline.RawObservation{{
			Source:    domain.ChatSource,
			Highlight: req.Question,
			Note:      answer,
			Address:   "chat://" + req.AppID,
			Tags:      []string{"qa"},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
		Options: pipeline.Options{EnableEnrichment: true},
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("chat feedback submission failed")

		return ""
	}

	if len(summary.Items) == 1 && summary.Items[0].Accepted {
		return summary.Items[0].ID
	}

	return ""
}

// parsePreference splits "provider" or "provider:model". An empty or
// unknown preference pins to the primary provider's default.
func parsePreference(pref string) (llm.ProviderName, string) {
	provider, model, _ := strings.Cut(pref, ":")

	switch llm.ProviderName(provider) {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderOpenRouter, llm.ProviderMock:
		return llm.ProviderName(provider), model
	default:
		return llm.ProviderOpenAI, ""
	}
}
