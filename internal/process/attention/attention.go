// Package attention computes the attention weight of a new observation
// from the user's recent history: how often the topic recurs, how much the
// user writes about it, and how long they have stayed with it.
package attention

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/core/fulltext"
	"github.com/perceptlab/percept/internal/platform/observability"
)

const (
	// HistoryWindow bounds the historical context a score is computed
	// against.
	HistoryWindow = 30 * 24 * time.Hour

	historyLimit = 500

	similarityThreshold = 0.8
	overlapThreshold    = 0.3

	secondsPerRelated = 300
	timeInvestmentCap = 3600

	cacheTTL     = time.Hour
	cacheCleanup = 10 * time.Minute

	deepNoteChars     = 200
	deepTagCount      = 3
	deepRelatedCount  = 5
	deepSustainedSpan = 7 * 24 * time.Hour
)

// Combination weights of the four factors.
const (
	highlightShare = 0.30
	noteShare      = 0.25
	revisitShare   = 0.30
	timeShare      = 0.15
)

// History is the read surface the scorer needs: the user's recent
// observations and the vector index's similarity count.
type History interface {
	ListRecentObservations(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Observation, error)
	CountSimilarSince(ctx context.Context, userID string, embedding []float32, threshold float32, since time.Time) (int, error)
}

// Result is the scored outcome: the combined weight plus the raw metrics
// stored alongside the observation.
type Result struct {
	Weight  float32
	Metrics domain.AttentionMetrics
}

// Scorer computes attention weights. Scores are cached per
// (userId, contentHash) because a batch retry or idempotent resubmission
// must not recount history.
type Scorer struct {
	history History
	cache   *gocache.Cache
	logger  *zerolog.Logger
}

func NewScorer(history History, logger *zerolog.Logger) *Scorer {
	return &Scorer{
		history: history,
		cache:   gocache.New(cacheTTL, cacheCleanup),
		logger:  logger,
	}
}

// Score computes the attention weight of obs against the user's 30-day
// history. A history read failure degrades to the floor score rather than
// failing the observation.
func (s *Scorer) Score(ctx context.Context, obs *domain.Observation) (Result, error) {
	cacheKey := obs.UserID + ":" + obs.ContentHash
	if obs.ContentHash != "" {
		if cached, ok := s.cache.Get(cacheKey); ok {
			return cached.(Result), nil
		}
	}

	since := obs.Timestamp.Add(-HistoryWindow)

	history, err := s.history.ListRecentObservations(ctx, obs.UserID, since, historyLimit)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		s.logger.Warn().Err(err).Str("user_id", obs.UserID).Msg("history read failed, floor attention score")

		return s.floorResult(), nil
	}

	metrics := s.computeMetrics(ctx, obs, history)
	weight := combineFactors(metrics)

	result := Result{Weight: weight, Metrics: metrics}

	if obs.ContentHash != "" {
		s.cache.Set(cacheKey, result, cacheTTL)
	}

	observability.AttentionWeight.Observe(float64(weight))

	return result, nil
}

// InvalidateUser drops the cached scores of one user, used after a
// hard-delete rewrites their history.
func (s *Scorer) InvalidateUser(userID string) {
	prefix := userID + ":"

	for key := range s.cache.Items() {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			s.cache.Delete(key)
		}
	}
}

func (s *Scorer) floorResult() Result {
	metrics := domain.AttentionMetrics{InteractionDepth: domain.DepthLow}

	return Result{Weight: combineFactors(metrics), Metrics: metrics}
}

func (s *Scorer) computeMetrics(ctx context.Context, obs *domain.Observation, history []*domain.Observation) domain.AttentionMetrics {
	metrics := domain.AttentionMetrics{
		HighlightFrequency: s.highlightFrequency(ctx, obs, history),
	}

	newTags := tagSet(obs)

	var (
		related               int
		oldestRelated, newest time.Time
	)

	for _, past := range history {
		if past.ID == obs.ID {
			continue
		}

		if past.Address != "" && past.Address == obs.Address {
			metrics.AddressRevisit++

			if past.Note != "" {
				metrics.NoteCount++
			}
		}

		if jaccard(newTags, tagSet(past)) >= overlapThreshold {
			related++

			if oldestRelated.IsZero() || past.Timestamp.Before(oldestRelated) {
				oldestRelated = past.Timestamp
			}

			if past.Timestamp.After(newest) {
				newest = past.Timestamp
			}
		}
	}

	metrics.TimeInvestmentSec = related * secondsPerRelated
	if metrics.TimeInvestmentSec > timeInvestmentCap {
		metrics.TimeInvestmentSec = timeInvestmentCap
	}

	sustained := !oldestRelated.IsZero() && obs.Timestamp.Sub(oldestRelated) > deepSustainedSpan
	metrics.InteractionDepth = interactionDepth(obs, related, sustained)

	return metrics
}

// highlightFrequency counts historical observations about the same focal
// fragment. With an embedding the vector index answers directly; without
// one a bag-of-words Jaccard over the highlights stands in.
func (s *Scorer) highlightFrequency(ctx context.Context, obs *domain.Observation, history []*domain.Observation) int {
	if len(obs.Embedding) > 0 {
		count, err := s.history.CountSimilarSince(ctx, obs.UserID, obs.Embedding, similarityThreshold, obs.Timestamp.Add(-HistoryWindow))
		if err == nil {
			return count
		}

		s.logger.Warn().Err(err).Str("user_id", obs.UserID).Msg("similarity count failed, falling back to token overlap")
	}

	newTokens := tokenSet(obs.Highlight)
	count := 0

	for _, past := range history {
		if past.ID == obs.ID {
			continue
		}

		if jaccard(newTokens, tokenSet(past.Highlight)) >= similarityThreshold {
			count++
		}
	}

	return count
}

func interactionDepth(obs *domain.Observation, related int, sustained bool) domain.InteractionDepth {
	signals := 0

	if len(obs.Note) > deepNoteChars {
		signals++
	}

	if len(obs.Tags) > deepTagCount {
		signals++
	}

	if related > deepRelatedCount {
		signals++
	}

	if sustained {
		signals++
	}

	switch {
	case signals >= 3:
		return domain.DepthHigh
	case signals == 2:
		return domain.DepthMedium
	default:
		return domain.DepthLow
	}
}

var depthMultiplier = map[domain.InteractionDepth]float32{
	domain.DepthLow:    0.8,
	domain.DepthMedium: 1.0,
	domain.DepthHigh:   1.2,
}

func combineFactors(m domain.AttentionMetrics) float32 {
	base := highlightShare*stepFactor(m.HighlightFrequency, [3]int{1, 3, 5}, [4]float32{0.1, 0.4, 0.7, 1.0}) +
		noteShare*stepFactor(m.NoteCount, [3]int{1, 3, 5}, [4]float32{0.2, 0.6, 0.8, 1.0}) +
		revisitShare*stepFactor(m.AddressRevisit, [3]int{1, 3, 6}, [4]float32{0.1, 0.5, 0.8, 1.0}) +
		timeShare*stepFactor(m.TimeInvestmentSec, [3]int{30, 120, 300}, [4]float32{0.1, 0.4, 0.7, 1.0})

	weight := base * depthMultiplier[m.InteractionDepth]
	if weight > 1 {
		weight = 1
	}

	return weight
}

// stepFactor maps a count onto a piecewise-constant factor: values[i]
// applies up to thresholds[i], values[3] above the last threshold.
func stepFactor(count int, thresholds [3]int, values [4]float32) float32 {
	switch {
	case count <= thresholds[0]:
		return values[0]
	case count <= thresholds[1]:
		return values[1]
	case count <= thresholds[2]:
		return values[2]
	default:
		return values[3]
	}
}

func tagSet(obs *domain.Observation) map[string]bool {
	set := make(map[string]bool, len(obs.Tags)+len(obs.EnhancedTags))

	for _, tag := range obs.Tags {
		set[fulltext.FoldText(tag)] = true
	}

	for _, tag := range obs.EnhancedTags {
		set[fulltext.FoldText(tag)] = true
	}

	return set
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)

	for _, token := range fulltext.Tokenize(fulltext.FoldText(text)) {
		set[token] = true
	}

	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0

	for key := range a {
		if b[key] {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection

	return float64(intersection) / float64(union)
}
