package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/platform/config"
	"github.com/perceptlab/percept/internal/process/attention"
)

type fakeStorer struct {
	mu     sync.Mutex
	stored []*domain.Observation
	err    error
}

func (f *fakeStorer) Put(_ context.Context, obs *domain.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	cp := *obs
	f.stored = append(f.stored, &cp)

	return nil
}

type fakeRepo struct {
	mu         sync.Mutex
	duplicates map[string]string
	events     []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{duplicates: make(map[string]string)}
}

func (f *fakeRepo) FindIdempotentDuplicate(_ context.Context, _, contentHash string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.duplicates[contentHash], nil
}

func (f *fakeRepo) EnqueueProfileEvent(_ context.Context, _, observationID, _ string, _ float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, observationID)

	return nil
}

type fakeEnricher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEnricher) Enrich(_ context.Context, obs *domain.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	obs.EnhancedTags = []string{"enriched"}
	obs.Processing = domain.ProcessingMeta{ModelVersion: "fake-v1", EnrichedAt: time.Now()}

	return nil
}

type fakeScorer struct {
	weight float32
	err    error
}

func (f *fakeScorer) Score(_ context.Context, _ *domain.Observation) (attention.Result, error) {
	if f.err != nil {
		return attention.Result{}, f.err
	}

	return attention.Result{
		Weight:  f.weight,
		Metrics: domain.AttentionMetrics{InteractionDepth: domain.DepthMedium},
	}, nil
}

type staticRules struct{}

func (staticRules) Rules() *config.ScoringRules { return config.DefaultScoringRules() }

type fixture struct {
	pipeline *Pipeline
	store    *fakeStorer
	repo     *fakeRepo
	enricher *fakeEnricher
	scorer   *fakeScorer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	logger := zerolog.Nop()
	store := &fakeStorer{}
	repo := newFakeRepo()
	enricher := &fakeEnricher{}
	scorer := &fakeScorer{weight: 0.9}

	return &fixture{
		pipeline: New(store, repo, enricher, scorer, staticRules{}, cfg, &logger),
		store:    store,
		repo:     repo,
		enricher: enricher,
		scorer:   scorer,
	}
}

func rawItem(highlight string) RawObservation {
	return RawObservation{
		Source:    "notes",
		Highlight: highlight,
		Note:      "some note text",
		Address:   "https://example.com/article",
		Tags:      []string{"go", "go", "runtime"},
		Timestamp: "2026-08-20T10:00:00Z",
	}
}

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture(t, Config{})

	req := Request{
		AppID:   "app-1",
		UserID:  "user-1",
		Batch:   []RawObservation{rawItem("first"), rawItem("second")},
		Options: Options{EnableEnrichment: true},
	}

	summary, err := f.pipeline.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.JobID)
	assert.Equal(t, 2, summary.ProcessedCount)
	require.Len(t, summary.Items, 2)

	for _, item := range summary.Items {
		assert.True(t, item.Accepted)
		assert.NotEmpty(t, item.ID)
		assert.Greater(t, item.InfluenceWeight, float32(0))
	}

	require.Len(t, f.store.stored, 2)
	assert.Equal(t, 2, f.enricher.calls)
	assert.Len(t, f.repo.events, 2)

	stored := f.store.stored[0]
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, "app-1", stored.AppID)
	assert.Equal(t, []string{"go", "runtime"}, stored.Tags, "tags deduplicated")
	assert.Equal(t, domain.AccessPrivate, stored.Access, "default access")
	assert.NotEmpty(t, stored.ContentHash)
	assert.NotEqual(t, domain.Tier(""), stored.Tier)
}

func TestSubmitPerItemValidation(t *testing.T) {
	f := newFixture(t, Config{})

	bad := rawItem("ok")
	bad.Address = ""

	unparseable := rawItem("also ok")
	unparseable.Timestamp = "not a date"

	req := Request{
		UserID: "user-1",
		Batch:  []RawObservation{rawItem("good"), bad, unparseable},
	}

	summary, err := f.pipeline.Submit(context.Background(), req)
	require.NoError(t, err, "single bad items must not fail the batch")

	assert.Equal(t, 1, summary.ProcessedCount)
	assert.True(t, summary.Items[0].Accepted)
	assert.False(t, summary.Items[1].Accepted)
	assert.Contains(t, summary.Items[1].RejectedReason, "Address")
	assert.False(t, summary.Items[2].Accepted)
	assert.Contains(t, summary.Items[2].RejectedReason, "timestamp")
}

func TestSubmitEmptyBatchIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})

	summary, err := f.pipeline.Submit(context.Background(), Request{UserID: "user-1"})
	require.NoError(t, err, "an empty batch is accepted, not rejected")

	assert.NotEmpty(t, summary.JobID)
	assert.Equal(t, 0, summary.ProcessedCount)
	assert.NotNil(t, summary.Items)
	assert.Empty(t, summary.Items)
	assert.Empty(t, f.store.stored)
}

func TestSubmitBatchTooLarge(t *testing.T) {
	f := newFixture(t, Config{})

	batch := make([]RawObservation, MaxBatchSize+1)
	for i := range batch {
		batch[i] = rawItem("x")
	}

	_, err := f.pipeline.Submit(context.Background(), Request{UserID: "user-1", Batch: batch})
	assert.ErrorIs(t, err, perrors.ErrBatchTooLarge)
}

func TestSubmitOversizedItemRejected(t *testing.T) {
	f := newFixture(t, Config{})

	big := rawItem("big")
	big.Note = string(make([]byte, maxItemBytes))

	summary, err := f.pipeline.Submit(context.Background(), Request{
		UserID: "user-1",
		Batch:  []RawObservation{big},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.ProcessedCount)
	assert.False(t, summary.Items[0].Accepted)
}

func TestSubmitIdempotentDuplicate(t *testing.T) {
	f := newFixture(t, Config{})

	item := rawItem("repeat")
	hash := ContentHash("user-1", item.Source, item.Highlight, item.Note, item.Address, []string{"go", "runtime"})
	f.repo.duplicates[hash] = "existing-id"

	summary, err := f.pipeline.Submit(context.Background(), Request{
		UserID: "user-1",
		Batch:  []RawObservation{item},
	})
	require.NoError(t, err)

	require.True(t, summary.Items[0].Accepted)
	assert.True(t, summary.Items[0].Duplicate)
	assert.Equal(t, "existing-id", summary.Items[0].ID)
	assert.Empty(t, f.store.stored, "duplicate must not be re-written")
}

func TestSubmitEnrichmentDisabled(t *testing.T) {
	f := newFixture(t, Config{})

	summary, err := f.pipeline.Submit(context.Background(), Request{
		UserID:  "user-1",
		Batch:   []RawObservation{rawItem("plain")},
		Options: Options{EnableEnrichment: false},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Zero(t, f.enricher.calls)
}

func TestSubmitEnrichmentFlagsRunEnricher(t *testing.T) {
	f := newFixture(t, Config{})

	summary, err := f.pipeline.Submit(context.Background(), Request{
		UserID:  "user-1",
		Batch:   []RawObservation{rawItem("tagged")},
		Options: Options{GenerateSemanticTags: true},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Equal(t, 1, f.enricher.calls, "semantic-tag flag alone must enrich")
}

func TestSubmitDegradesUnderBacklog(t *testing.T) {
	// QueueMax 10 puts the degrade threshold at 8 slots; a batch of 9
	// crosses it while still fitting the queue.
	f := newFixture(t, Config{QueueMax: 10})

	batch := make([]RawObservation, 9)
	for i := range batch {
		batch[i] = rawItem("item-" + string(rune('a'+i)))
	}

	summary, err := f.pipeline.Submit(context.Background(), Request{
		UserID:  "user-1",
		Batch:   batch,
		Options: Options{EnableEnrichment: true},
	})
	require.NoError(t, err)

	assert.True(t, summary.Degraded)
	assert.Equal(t, 9, summary.ProcessedCount, "degraded batches still store")
	assert.Zero(t, f.enricher.calls, "degraded batches skip enrichment")
	assert.Len(t, f.store.stored, 9)
}

func TestSubmitCommitHookFires(t *testing.T) {
	f := newFixture(t, Config{})

	var invalidated []string

	f.pipeline.OnCommit(func(userID string) { invalidated = append(invalidated, userID) })

	_, err := f.pipeline.Submit(context.Background(), Request{
		UserID: "user-1",
		Batch:  []RawObservation{rawItem("stored")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, invalidated)

	// A batch that stores nothing must not shed the user's cache.
	f.store.err = errors.New("all tiers down")

	_, err = f.pipeline.Submit(context.Background(), Request{
		UserID: "user-1",
		Batch:  []RawObservation{rawItem("doomed")},
	})
	require.NoError(t, err)
	assert.Len(t, invalidated, 1)
}

func TestSubmitStoreFailureReportedPerItem(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.err = errors.New("all tiers down")

	summary, err := f.pipeline.Submit(context.Background(), Request{
		UserID: "user-1",
		Batch:  []RawObservation{rawItem("doomed")},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.ProcessedCount)
	assert.False(t, summary.Items[0].Accepted)
	assert.NotEmpty(t, summary.Items[0].RejectedReason)
	assert.Empty(t, f.repo.events, "no profile event for failed write")
}

func TestSubmitLowPriorityBackpressure(t *testing.T) {
	f := newFixture(t, Config{QueueMax: 1})

	_, err := f.pipeline.Submit(context.Background(), Request{
		UserID:  "user-1",
		Batch:   []RawObservation{rawItem("a"), rawItem("b")},
		Options: Options{Priority: PriorityLow},
	})
	assert.ErrorIs(t, err, perrors.ErrQuotaExceeded)
}

func TestQualityScoreComposition(t *testing.T) {
	f := newFixture(t, Config{})

	obs := &domain.Observation{
		Source: "notes",
		Note:   string(make([]byte, noteSaturationChars)),
		Tags:   []string{"a", "b", "c", "d", "e"},
		Processing: domain.ProcessingMeta{
			ModelVersion: "fake-v1",
			EnrichedAt:   time.Now(),
		},
	}

	// note 1.0, tags 1.0, enriched 1.0, trust 0.8 for "notes".
	expected := float32(0.3 + 0.2 + 0.3 + 0.2*0.8)
	assert.InDelta(t, expected, f.pipeline.qualityScore(obs), 1e-6)
}

func TestQualityScoreDegradedEnrichment(t *testing.T) {
	f := newFixture(t, Config{})

	obs := &domain.Observation{
		Source: "unknown-app",
		Processing: domain.ProcessingMeta{
			EnrichmentDegraded: true,
			EnrichedAt:         time.Now(),
		},
	}

	// Only the default trust share contributes.
	assert.InDelta(t, float32(0.2*0.5), f.pipeline.qualityScore(obs), 1e-6)
}

func TestInfluenceWeightBound(t *testing.T) {
	f := newFixture(t, Config{})
	f.scorer.weight = 0.4

	summary, err := f.pipeline.Submit(context.Background(), Request{
		UserID: "user-1",
		Batch:  []RawObservation{rawItem("bounded")},
	})
	require.NoError(t, err)

	require.Len(t, f.store.stored, 1)
	obs := f.store.stored[0]

	assert.LessOrEqual(t, obs.InfluenceWeight, obs.QualityScore)
	assert.LessOrEqual(t, obs.InfluenceWeight, obs.AttentionWeight)
	assert.InDelta(t, obs.QualityScore*obs.AttentionWeight, obs.InfluenceWeight, 1e-6)
	assert.Equal(t, summary.Items[0].InfluenceWeight, obs.InfluenceWeight)
}

func TestContentHashStableUnderTagOrder(t *testing.T) {
	a := ContentHash("u", "s", "h", "n", "addr", []string{"x", "y"})
	b := ContentHash("u", "s", "h", "n", "addr", []string{"y", "x"})
	c := ContentHash("u", "s", "h", "n", "addr", []string{"z"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDedupeTags(t *testing.T) {
	assert.Equal(t, []string{"go", "runtime"}, dedupeTags([]string{"go", " go ", "runtime", "go"}))
	assert.Nil(t, dedupeTags(nil))
}
