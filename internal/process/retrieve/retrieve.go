// Package retrieve is the unified query surface over the three indexes:
// vector k-NN, full-text, and the composite influence·freshness ordering.
// Sub-queries fan out in parallel and fuse by weighted Reciprocal Rank
// Fusion; results are cached briefly per user and invalidated when the
// user's profile epoch advances.
package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/core/fulltext"
	"github.com/perceptlab/percept/internal/platform/observability"
	db "github.com/perceptlab/percept/internal/storage"
)

// RRF fusion parameters. The constant dampens the head of each ranking so
// agreement across strategies outweighs a single first place.
const (
	rrfK = 60

	vectorWeight    = 0.5
	textWeight      = 0.3
	compositeWeight = 0.2
)

const (
	cacheCapacity = 256
	cacheTTL      = 60 * time.Second

	// candidateFactor oversamples each sub-query so post-filtering still
	// fills the requested limit.
	candidateFactor = 3

	// DefaultLimit applies when the caller passes no limit.
	DefaultLimit = 20

	maxLimit = 200
)

// VectorIndex is the k-NN side of the fan-out.
type VectorIndex interface {
	SearchSimilar(ctx context.Context, userID string, embedding []float32, limit int) ([]db.VectorMatch, error)
}

// TextIndex is the full-text side.
type TextIndex interface {
	SearchUser(ctx context.Context, userID, query string, rows int) (*fulltext.SearchResponse, error)
}

// CompositeIndex is the SQL influence·freshness ordering, which also
// applies the filters natively.
type CompositeIndex interface {
	SearchComposite(ctx context.Context, userID string, f domain.QueryFilters, limit int) ([]*domain.Observation, error)
	ListObservationsByIDs(ctx context.Context, ids []string) ([]*domain.Observation, error)
}

// Retriever runs fused queries. Safe for concurrent use.
type Retriever struct {
	vector    VectorIndex
	text      TextIndex
	composite CompositeIndex
	cache     *lruCache
	logger    *zerolog.Logger

	mu     sync.Mutex
	epochs map[string]int64
}

func New(vector VectorIndex, text TextIndex, composite CompositeIndex, logger *zerolog.Logger) *Retriever {
	return &Retriever{
		vector:    vector,
		text:      text,
		composite: composite,
		cache:     newLRUCache(cacheCapacity, cacheTTL),
		logger:    logger,
		epochs:    make(map[string]int64),
	}
}

// Invalidate advances the user's cache epoch; cached results computed
// under older epochs become unreachable. Wired to profile commits and
// pipeline writes.
func (r *Retriever) Invalidate(userID string) {
	r.mu.Lock()
	r.epochs[userID]++
	r.mu.Unlock()
}

// SetEpoch pins the user's cache epoch to an externally tracked value,
// such as the persisted profile epoch.
func (r *Retriever) SetEpoch(userID string, epoch int64) {
	r.mu.Lock()
	if epoch > r.epochs[userID] {
		r.epochs[userID] = epoch
	}
	r.mu.Unlock()
}

func (r *Retriever) epoch(userID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.epochs[userID]
}

// Query runs the three sub-queries, fuses, filters, and returns the top
// results. Individual index failures degrade the fusion; only all three
// failing is an error.
func (r *Retriever) Query(ctx context.Context, userID, qText string, qEmbedding []float32, filters domain.QueryFilters, limit int) ([]domain.RankedObservation, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	if limit > maxLimit {
		limit = maxLimit
	}

	key := cacheKey(userID, qText, filters, limit, r.epoch(userID))
	if cached, ok := r.cache.get(key); ok {
		observability.RetrieverQueries.WithLabelValues("hit").Inc()

		return cached, nil
	}

	observability.RetrieverQueries.WithLabelValues("miss").Inc()

	rankings, err := r.fanOut(ctx, userID, qText, qEmbedding, filters, limit*candidateFactor)
	if err != nil {
		return nil, err
	}

	fused := fuse(rankings)

	results, err := r.materialize(ctx, fused, filters, limit)
	if err != nil {
		return nil, err
	}

	r.cache.set(key, results)

	return results, nil
}

// ranking is one strategy's ordered id list.
type ranking struct {
	weight float64
	ids    []string
}

func (r *Retriever) fanOut(ctx context.Context, userID, qText string, qEmbedding []float32, filters domain.QueryFilters, limit int) ([]ranking, error) {
	var (
		vectorIDs    []string
		textIDs      []string
		compositeIDs []string

		vectorErr, textErr, compositeErr error
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if len(qEmbedding) == 0 {
			return nil
		}

		defer timeSubquery("vector")()

		matches, err := r.vector.SearchSimilar(gctx, userID, qEmbedding, limit)
		if err != nil {
			vectorErr = err
			r.logger.Warn().Err(err).Msg("vector search failed")

			return nil
		}

		for _, match := range matches {
			vectorIDs = append(vectorIDs, match.ObservationID)
		}

		return nil
	})

	g.Go(func() error {
		if qText == "" {
			return nil
		}

		defer timeSubquery("text")()

		resp, err := r.text.SearchUser(gctx, userID, qText, limit)
		if err != nil {
			if !perrors.Is(err, fulltext.ErrClientDisabled) {
				textErr = err
				r.logger.Warn().Err(err).Msg("full-text search failed")
			}

			return nil
		}

		for _, doc := range resp.Response.Docs {
			textIDs = append(textIDs, doc.ID)
		}

		return nil
	})

	g.Go(func() error {
		defer timeSubquery("composite")()

		observations, err := r.composite.SearchComposite(gctx, userID, filters, limit)
		if err != nil {
			compositeErr = err
			r.logger.Warn().Err(err).Msg("composite search failed")

			return nil
		}

		for _, obs := range observations {
			compositeIDs = append(compositeIDs, obs.ID)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if vectorErr != nil && textErr != nil && compositeErr != nil {
		return nil, fmt.Errorf("%w: all retrieval strategies failed", perrors.ErrStorageTransient)
	}

	return []ranking{
		{weight: vectorWeight, ids: vectorIDs},
		{weight: textWeight, ids: textIDs},
		{weight: compositeWeight, ids: compositeIDs},
	}, nil
}

// fuse merges the rankings by weighted RRF, descending score with a stable
// id tie-break.
func fuse(rankings []ranking) []domain.RankedObservation {
	scores := make(map[string]float64)

	for _, rank := range rankings {
		for position, id := range rank.ids {
			scores[id] += rank.weight / float64(rrfK+position+1)
		}
	}

	fused := make([]domain.RankedObservation, 0, len(scores))

	for id, score := range scores {
		fused = append(fused, domain.RankedObservation{
			Observation: &domain.Observation{ID: id},
			Score:       score,
		})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}

		return fused[i].Observation.ID < fused[j].Observation.ID
	})

	return fused
}

// materialize loads the fused candidates and applies the post-filters,
// keeping fusion order.
func (r *Retriever) materialize(ctx context.Context, fused []domain.RankedObservation, filters domain.QueryFilters, limit int) ([]domain.RankedObservation, error) {
	if len(fused) == 0 {
		return []domain.RankedObservation{}, nil
	}

	ids := make([]string, 0, len(fused))
	for _, candidate := range fused {
		ids = append(ids, candidate.Observation.ID)
	}

	observations, err := r.composite.ListObservationsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Observation, len(observations))
	for _, obs := range observations {
		byID[obs.ID] = obs
	}

	results := make([]domain.RankedObservation, 0, limit)

	for _, candidate := range fused {
		obs, ok := byID[candidate.Observation.ID]
		if !ok || obs.Deleted || !filters.Matches(obs) {
			continue
		}

		results = append(results, domain.RankedObservation{Observation: obs, Score: candidate.Score})
		if len(results) == limit {
			break
		}
	}

	return results, nil
}

func timeSubquery(index string) func() {
	start := time.Now()

	return func() {
		observability.RetrieverSubqueryDuration.WithLabelValues(index).Observe(time.Since(start).Seconds())
	}
}

// cacheKey folds the query text, filters, limit, and epoch into one
// compact key.
func cacheKey(userID, qText string, filters domain.QueryFilters, limit int, epoch int64) string {
	h := fnv.New64a()
	h.Write([]byte(qText))

	if encoded, err := json.Marshal(filters); err == nil {
		h.Write(encoded)
	}

	return fmt.Sprintf("%s:%d:%d:%x", userID, epoch, limit, h.Sum64())
}
