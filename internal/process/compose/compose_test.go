package compose

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
)

type fakeRepo struct {
	components []*domain.ProfileComponent
	recent     []*domain.Observation
	counts     map[string]int
}

func (f *fakeRepo) GetProfileComponents(_ context.Context, _ string) ([]*domain.ProfileComponent, error) {
	return f.components, nil
}

func (f *fakeRepo) ListRecentObservations(_ context.Context, _ string, since time.Time, _ int) ([]*domain.Observation, error) {
	var out []*domain.Observation

	for _, obs := range f.recent {
		if obs.Timestamp.After(since) {
			out = append(out, obs)
		}
	}

	return out, nil
}

func (f *fakeRepo) AccessCountsByUser(_ context.Context, _ string, _ time.Time) (map[string]int, error) {
	return f.counts, nil
}

type fakeRetriever struct {
	results []domain.RankedObservation
	err     error
}

func (f *fakeRetriever) Query(_ context.Context, _, _ string, _ []float32, _ domain.QueryFilters, _ int) ([]domain.RankedObservation, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.results, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) GetEmbedding(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}

	return []float32{1, 0, 0}, nil
}

func component(id string, priority domain.Priority, confidence float32) *domain.ProfileComponent {
	return &domain.ProfileComponent{
		ID:            id,
		Type:          domain.ComponentDomainExpertise,
		Description:   "prefers concise technical answers",
		Embedding:     []float32{1, 0, 0},
		Confidence:    confidence,
		Priority:      priority,
		LastActivated: time.Now().Add(-time.Hour),
	}
}

func observation(id string, age time.Duration, influence float32) *domain.Observation {
	return &domain.Observation{
		ID:              id,
		UserID:          "user-1",
		Source:          "notes",
		Highlight:       "highlight " + id,
		Access:          domain.AccessPrivate,
		Embedding:       []float32{1, 0, 0},
		InfluenceWeight: influence,
		Timestamp:       time.Now().Add(-age),
	}
}

func newTestComposer(repo *fakeRepo, retriever *fakeRetriever, embedder *fakeEmbedder) *Composer {
	logger := zerolog.Nop()
	return New(repo, retriever, embedder, &logger)
}

func TestComposeLayersInOrder(t *testing.T) {
	repo := &fakeRepo{
		components: []*domain.ProfileComponent{
			component("comp-high", domain.PriorityHigh, 0.9),
			component("comp-med", domain.PriorityMedium, 0.6),
		},
		recent: []*domain.Observation{
			// Below the working-layer influence floor, so it lands in the
			// buffer instead.
			observation("obs-recent", time.Minute, 0.3),
			observation("obs-working", 2*time.Hour, 0.7),
		},
	}
	retriever := &fakeRetriever{results: []domain.RankedObservation{
		{Observation: observation("obs-context", 48*time.Hour, 0.6), Score: 0.02},
	}}

	c := newTestComposer(repo, retriever, &fakeEmbedder{})

	result, err := c.Compose(context.Background(), Request{UserID: "user-1", Query: "technical answers"})
	require.NoError(t, err)

	assert.False(t, result.Truncated)
	assert.Equal(t, 2, result.ComponentsUsed)
	assert.Equal(t, 3, result.ObservationsUsed)

	idxCore := strings.Index(result.Prompt, "## "+SectionCoreRules)
	idxFocus := strings.Index(result.Prompt, "## "+SectionCurrentFocus)
	idxContext := strings.Index(result.Prompt, "## "+SectionRelevantContext)
	idxRecent := strings.Index(result.Prompt, "## "+SectionRecentActivity)

	require.GreaterOrEqual(t, idxCore, 0)
	assert.Greater(t, idxFocus, idxCore)
	assert.Greater(t, idxContext, idxFocus)
	assert.Greater(t, idxRecent, idxContext)

	assert.Contains(t, result.Prompt, "prefers concise technical answers")
	assert.Contains(t, result.Prompt, "highlight obs-context")
}

func TestComposeNeverDuplicatesItems(t *testing.T) {
	// obs-recent is fresh enough for both working and buffer; it must
	// appear exactly once.
	obs := observation("obs-recent", time.Minute, 0.8)
	repo := &fakeRepo{recent: []*domain.Observation{obs}}

	c := newTestComposer(repo, &fakeRetriever{}, &fakeEmbedder{})

	result, err := c.Compose(context.Background(), Request{UserID: "user-1", Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(result.Prompt, "highlight obs-recent"))
	assert.Equal(t, 1, result.ObservationsUsed)
}

func TestComposeRespectsBudget(t *testing.T) {
	var recent []*domain.Observation

	for i := 0; i < 40; i++ {
		obs := observation("obs-"+strings.Repeat("x", i+1), 2*time.Hour, 0.9)
		obs.Note = strings.Repeat("filler words about the project. ", 20)
		recent = append(recent, obs)
	}

	repo := &fakeRepo{recent: recent}
	c := newTestComposer(repo, &fakeRetriever{}, &fakeEmbedder{})

	result, err := c.Compose(context.Background(), Request{UserID: "user-1", Query: "q", BudgetTokens: 200})
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.LessOrEqual(t, result.TokensUsed, 200)
}

func TestComposeBudgetCoversHeaders(t *testing.T) {
	// One item per layer, each sized to fill its quota exactly. The section
	// headers and joiners must come out of the same budget, so the packed
	// prompt stays within it (and the drops are reported as truncation).
	core := component("comp-core", domain.PriorityHigh, 0.9)
	core.Description = strings.Repeat("a", 280)

	working := observation("obs-working", 2*time.Hour, 0.9)
	working.Highlight = strings.Repeat("w", 636)

	contextual := observation("obs-context", 48*time.Hour, 0.6)
	contextual.Highlight = strings.Repeat("c", 476)

	buffered := observation("obs-buffer", time.Minute, 0.3)
	buffered.Highlight = strings.Repeat("b", 156)

	repo := &fakeRepo{
		components: []*domain.ProfileComponent{core},
		recent:     []*domain.Observation{working, buffered},
	}
	retriever := &fakeRetriever{results: []domain.RankedObservation{
		{Observation: contextual, Score: 0.02},
	}}

	c := newTestComposer(repo, retriever, &fakeEmbedder{})

	result, err := c.Compose(context.Background(), Request{UserID: "user-1", Query: "q", BudgetTokens: 400})
	require.NoError(t, err)

	assert.LessOrEqual(t, result.TokensUsed, result.Budget)
	assert.True(t, result.Truncated)
}

func TestComposeSummarizesOversizedNotes(t *testing.T) {
	obs := observation("obs-long", 2*time.Hour, 0.9)
	obs.Note = "The project deadline moved to next quarter after the review. " +
		strings.Repeat("Unrelated filler sentence that adds nothing at all here. ", 30) +
		"The team decided to keep the existing architecture for now."

	repo := &fakeRepo{recent: []*domain.Observation{obs}}
	c := newTestComposer(repo, &fakeRetriever{}, &fakeEmbedder{})

	full := estimateTokens(obs.Highlight+" "+obs.Note) + 1
	budget := int(float64(full) / workingShare)

	result, err := c.Compose(context.Background(), Request{UserID: "user-1", Query: "project deadline", BudgetTokens: budget / 2})
	require.NoError(t, err)

	assert.Contains(t, result.Prompt, "deadline moved to next quarter")
	assert.Less(t, result.TokensUsed, full)
}

func TestComposeExternalFiltersRestricted(t *testing.T) {
	restricted := observation("obs-secret", time.Hour, 0.9)
	restricted.Access = domain.AccessRestricted

	open := observation("obs-open", time.Hour, 0.9)
	open.Note = "mail me at alice@example.com"

	repo := &fakeRepo{recent: []*domain.Observation{restricted, open}}
	c := newTestComposer(repo, &fakeRetriever{}, &fakeEmbedder{})

	prefs := domain.DefaultPrivacyPreferences("user-1")

	result, err := c.Compose(context.Background(), Request{
		UserID: "user-1", Query: "q", External: true, Prefs: &prefs,
	})
	require.NoError(t, err)

	assert.NotContains(t, result.Prompt, "obs-secret")
	assert.NotContains(t, result.Prompt, "alice@example.com")
	assert.Contains(t, result.Prompt, "[EMAIL]")
}

func TestComposeExternalWithoutConsent(t *testing.T) {
	repo := &fakeRepo{recent: []*domain.Observation{observation("obs-1", time.Hour, 0.9)}}
	c := newTestComposer(repo, &fakeRetriever{}, &fakeEmbedder{})

	prefs := domain.DefaultPrivacyPreferences("user-1")
	prefs.ExternalConsent = false

	result, err := c.Compose(context.Background(), Request{
		UserID: "user-1", Query: "q", External: true, Prefs: &prefs,
	})
	require.NoError(t, err)
	assert.Zero(t, result.ObservationsUsed)
}

func TestComposeSurvivesEmbedderAndRetrieverFailure(t *testing.T) {
	repo := &fakeRepo{components: []*domain.ProfileComponent{component("comp-1", domain.PriorityHigh, 0.9)}}
	c := newTestComposer(repo, &fakeRetriever{err: errors.New("down")}, &fakeEmbedder{err: errors.New("down")})

	result, err := c.Compose(context.Background(), Request{UserID: "user-1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ComponentsUsed)
}

func TestComposeOrdersWithinSectionByScore(t *testing.T) {
	repo := &fakeRepo{components: []*domain.ProfileComponent{
		component("comp-weak", domain.PriorityHigh, 0.2),
		component("comp-strong", domain.PriorityHigh, 0.9),
	}}
	repo.components[0].Description = "weak rule"
	repo.components[1].Description = "strong rule"

	c := newTestComposer(repo, &fakeRetriever{}, &fakeEmbedder{})

	result, err := c.Compose(context.Background(), Request{UserID: "user-1", Query: "q"})
	require.NoError(t, err)

	assert.Less(t, strings.Index(result.Prompt, "strong rule"), strings.Index(result.Prompt, "weak rule"))
}

func TestSummarizePicksKeywordSentences(t *testing.T) {
	note := "The deadline is next week. Filler one here. Filler two here. " +
		"Filler three here. The deadline slipped because of the deadline review process."

	got := summarize(note, tokenSet("deadline"))

	assert.Contains(t, got, "The deadline is next week")
	assert.Contains(t, got, "deadline review process")
	assert.LessOrEqual(t, len(splitSentences(got)), summaryMaxSentences)
}

func TestSummarizeShortNoteUnchanged(t *testing.T) {
	note := "One sentence. Two sentences."
	assert.Equal(t, note, summarize(note, nil))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 2, estimateTokens("abcdefgh"))
}

func TestTimeDecay(t *testing.T) {
	assert.InDelta(t, 1.0, timeDecay(0), 1e-9)
	assert.InDelta(t, 0.95, timeDecay(24*time.Hour), 1e-9)
	assert.InDelta(t, 1.0, timeDecay(-time.Hour), 1e-9)
}
