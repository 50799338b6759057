package enrichment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/core/embeddings"
	"github.com/perceptlab/percept/internal/platform/observability"
)

const degradedModelVersion = "degraded"

// Embedder is the slice of the embedding registry the enricher uses.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Enricher runs the analyzer and the embedder against an observation under
// a hard deadline. A miss never fails the observation: it is stored with
// deterministic degraded defaults and flagged.
type Enricher struct {
	analyzer Analyzer
	embedder Embedder
	dims     int
	timeout  time.Duration
	logger   *zerolog.Logger
}

func NewEnricher(analyzer Analyzer, embedder Embedder, dims int, timeout time.Duration, logger *zerolog.Logger) *Enricher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Enricher{
		analyzer: analyzer,
		embedder: embedder,
		dims:     dims,
		timeout:  timeout,
		logger:   logger,
	}
}

// Enrich populates the enriched fields of obs in place. The returned error
// is always nil for degraded analysis; only a cancelled parent context
// aborts.
func (e *Enricher) Enrich(ctx context.Context, obs *domain.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	analysis, err := e.analyzer.Analyze(ctx, obs)
	if err != nil {
		e.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("analysis failed, storing degraded defaults")
		e.applyDegraded(obs)
		observability.EnrichmentDegraded.Inc()
		observability.EnrichmentDuration.WithLabelValues(e.analyzer.ModelVersion()).Observe(time.Since(start).Seconds())

		return nil
	}

	obs.EnhancedTags = analysis.EnhancedTags
	obs.RecommendedHighlights = analysis.RecommendedHighlights
	obs.Semantics = analysis.Semantics
	obs.Processing = domain.ProcessingMeta{
		ModelVersion: e.analyzer.ModelVersion(),
		EnrichedAt:   time.Now().UTC(),
	}

	vector, err := e.embedder.GetEmbedding(ctx, embeddingText(obs))
	if err != nil {
		e.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("embedding failed, using deterministic fallback")
		vector = embeddings.DeterministicVector(embeddingText(obs), e.dims)
		obs.Processing.EnrichmentDegraded = true
		observability.EnrichmentDegraded.Inc()
	}

	obs.Embedding = vector

	observability.EnrichmentDuration.WithLabelValues(e.analyzer.ModelVersion()).Observe(time.Since(start).Seconds())

	return nil
}

// applyDegraded sets the deterministic defaults for a failed or timed-out
// analysis: no enhanced tags, the highlight as the only recommendation,
// neutral sentiment, medium complexity, hash-derived embedding.
func (e *Enricher) applyDegraded(obs *domain.Observation) {
	obs.EnhancedTags = nil
	obs.RecommendedHighlights = []string{obs.Highlight}
	obs.Semantics = domain.SemanticAnalysis{
		Sentiment:  domain.SentimentNeutral,
		Complexity: domain.ComplexityMedium,
	}
	obs.Embedding = embeddings.DeterministicVector(embeddingText(obs), e.dims)
	obs.Processing = domain.ProcessingMeta{
		ModelVersion:       degradedModelVersion,
		EnrichmentDegraded: true,
		EnrichedAt:         time.Now().UTC(),
	}
}

func embeddingText(obs *domain.Observation) string {
	if obs.Note == "" {
		return obs.Highlight
	}

	return obs.Highlight + "\n" + obs.Note
}
