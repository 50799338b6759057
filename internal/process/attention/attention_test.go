package attention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
)

type fakeHistory struct {
	observations []*domain.Observation
	similarCount int
	similarErr   error
	listErr      error
	listCalls    int
}

func (f *fakeHistory) ListRecentObservations(_ context.Context, _ string, _ time.Time, _ int) ([]*domain.Observation, error) {
	f.listCalls++

	return f.observations, f.listErr
}

func (f *fakeHistory) CountSimilarSince(_ context.Context, _ string, _ []float32, _ float32, _ time.Time) (int, error) {
	return f.similarCount, f.similarErr
}

func newObs(id, address string, tags []string, note string, ts time.Time) *domain.Observation {
	return &domain.Observation{
		ID:        id,
		UserID:    "user-1",
		Address:   address,
		Tags:      tags,
		Note:      note,
		Highlight: "highlight " + id,
		Timestamp: ts,
	}
}

func TestScoreNoHistoryIsFloor(t *testing.T) {
	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{}, &logger)

	obs := newObs("obs-new", "https://example.com/a", []string{"go"}, "", time.Now())

	result, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	// All factors in their lowest bucket, low-depth multiplier.
	expected := float32(0.30*0.1+0.25*0.2+0.30*0.1+0.15*0.1) * 0.8
	assert.InDelta(t, expected, result.Weight, 1e-6)
	assert.Equal(t, domain.DepthLow, result.Metrics.InteractionDepth)
}

func TestScoreCountsAddressRevisits(t *testing.T) {
	now := time.Now()
	history := []*domain.Observation{
		newObs("h1", "https://example.com/a", nil, "notes here", now.Add(-time.Hour)),
		newObs("h2", "https://example.com/a", nil, "", now.Add(-2*time.Hour)),
		newObs("h3", "https://example.com/a", nil, "more notes", now.Add(-3*time.Hour)),
		newObs("h4", "https://example.com/other", nil, "unrelated", now.Add(-4*time.Hour)),
	}

	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{observations: history}, &logger)

	obs := newObs("obs-new", "https://example.com/a", nil, "", now)

	result, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Metrics.AddressRevisit)
	assert.Equal(t, 2, result.Metrics.NoteCount)
}

func TestScoreTimeInvestmentFromTagOverlap(t *testing.T) {
	now := time.Now()
	history := []*domain.Observation{
		newObs("h1", "a1", []string{"go", "concurrency"}, "", now.Add(-time.Hour)),
		newObs("h2", "a2", []string{"go", "channels"}, "", now.Add(-2*time.Hour)),
		newObs("h3", "a3", []string{"cooking"}, "", now.Add(-3*time.Hour)),
	}

	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{observations: history}, &logger)

	obs := newObs("obs-new", "a4", []string{"go", "concurrency", "channels"}, "", now)

	result, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	// h1 and h2 overlap (jaccard 2/3 each), h3 does not.
	assert.Equal(t, 2*secondsPerRelated, result.Metrics.TimeInvestmentSec)
}

func TestScoreTimeInvestmentCapped(t *testing.T) {
	now := time.Now()

	var history []*domain.Observation
	for i := 0; i < 20; i++ {
		history = append(history, newObs(
			string(rune('a'+i)), "addr", []string{"go"}, "", now.Add(-time.Duration(i+1)*time.Hour)))
	}

	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{observations: history}, &logger)

	obs := newObs("obs-new", "other", []string{"go"}, "", now)

	result, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, timeInvestmentCap, result.Metrics.TimeInvestmentSec)
}

func TestScoreUsesVectorIndexForHighlightFrequency(t *testing.T) {
	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{similarCount: 6}, &logger)

	obs := newObs("obs-new", "addr", nil, "", time.Now())
	obs.Embedding = []float32{0.6, 0.8}

	result, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, 6, result.Metrics.HighlightFrequency)
}

func TestScoreFallsBackToTokenOverlap(t *testing.T) {
	now := time.Now()
	twin := newObs("h1", "addr", nil, "", now.Add(-time.Hour))
	twin.Highlight = "memory ordering on arm"

	other := newObs("h2", "addr", nil, "", now.Add(-time.Hour))
	other.Highlight = "sourdough starter maintenance"

	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{
		observations: []*domain.Observation{twin, other},
		similarErr:   errors.New("vector index down"),
	}, &logger)

	obs := newObs("obs-new", "elsewhere", nil, "", now)
	obs.Highlight = "memory ordering on arm"
	obs.Embedding = []float32{0.6, 0.8}

	result, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Metrics.HighlightFrequency)
}

func TestScoreDepthMultiplier(t *testing.T) {
	now := time.Now()

	var history []*domain.Observation
	for i := 0; i < 8; i++ {
		history = append(history, newObs(
			string(rune('a'+i)), "addr", []string{"go", "runtime"}, "long note", now.Add(-time.Duration(i*30)*time.Hour)))
	}

	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{observations: history}, &logger)

	deep := newObs("obs-new", "addr", []string{"go", "runtime", "gc", "latency"}, "", now)
	deep.Note = string(make([]byte, deepNoteChars+1))

	result, err := s.Score(context.Background(), deep)
	require.NoError(t, err)

	// note>200, tags>3, related>5, sustained span: all four signals.
	assert.Equal(t, domain.DepthHigh, result.Metrics.InteractionDepth)
}

func TestScoreCachedByContentHash(t *testing.T) {
	history := &fakeHistory{}
	logger := zerolog.Nop()
	s := NewScorer(history, &logger)

	obs := newObs("obs-new", "addr", nil, "", time.Now())
	obs.ContentHash = "hash-1"

	first, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	second, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, history.listCalls, "second score should come from cache")
}

func TestInvalidateUser(t *testing.T) {
	history := &fakeHistory{}
	logger := zerolog.Nop()
	s := NewScorer(history, &logger)

	obs := newObs("obs-new", "addr", nil, "", time.Now())
	obs.ContentHash = "hash-1"

	_, err := s.Score(context.Background(), obs)
	require.NoError(t, err)

	s.InvalidateUser("user-1")

	_, err = s.Score(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, 2, history.listCalls)
}

func TestScoreHistoryFailureDegrades(t *testing.T) {
	logger := zerolog.Nop()
	s := NewScorer(&fakeHistory{listErr: errors.New("db down")}, &logger)

	obs := newObs("obs-new", "addr", nil, "", time.Now())

	result, err := s.Score(context.Background(), obs)
	require.NoError(t, err)
	assert.Greater(t, result.Weight, float32(0))
}

func TestStepFactorBuckets(t *testing.T) {
	thresholds := [3]int{1, 3, 5}
	values := [4]float32{0.1, 0.4, 0.7, 1.0}

	assert.Equal(t, float32(0.1), stepFactor(0, thresholds, values))
	assert.Equal(t, float32(0.1), stepFactor(1, thresholds, values))
	assert.Equal(t, float32(0.4), stepFactor(2, thresholds, values))
	assert.Equal(t, float32(0.4), stepFactor(3, thresholds, values))
	assert.Equal(t, float32(0.7), stepFactor(5, thresholds, values))
	assert.Equal(t, float32(1.0), stepFactor(6, thresholds, values))
}

func TestCombineFactorsClampedAtOne(t *testing.T) {
	weight := combineFactors(domain.AttentionMetrics{
		HighlightFrequency: 10,
		NoteCount:          10,
		AddressRevisit:     10,
		TimeInvestmentSec:  3600,
		InteractionDepth:   domain.DepthHigh,
	})

	assert.Equal(t, float32(1.0), weight)
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"go": true, "runtime": true}
	b := map[string]bool{"go": true, "gc": true}

	assert.InDelta(t, 1.0/3.0, jaccard(a, b), 1e-9)
	assert.Zero(t, jaccard(a, map[string]bool{}))
}
