// Package pipeline orchestrates observation ingestion: validation,
// idempotency, enrichment, attention scoring, quality scoring, tier
// assignment, the tiered-store write, and the async profile event. A batch
// is never rejected whole for a single bad item; per-item outcomes are
// returned in the summary.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/platform/config"
	"github.com/perceptlab/percept/internal/platform/keyedmutex"
	"github.com/perceptlab/percept/internal/platform/observability"
	"github.com/perceptlab/percept/internal/process/attention"
	db "github.com/perceptlab/percept/internal/storage"
)

const (
	// MaxBatchSize caps one submission.
	MaxBatchSize = 256

	idempotencyWindow = 24 * time.Hour

	defaultParallel = 8
	defaultQueueMax = 1024

	// Above this fill fraction of the queue, batches still land but skip
	// enrichment.
	degradeQueueShare = 0.8
)

// Quality score shares: note length, tag count, enriched fields, source
// trust.
const (
	qualityNoteShare     = 0.3
	qualityTagShare      = 0.2
	qualityEnrichedShare = 0.3
	qualityTrustShare    = 0.2

	noteSaturationChars = 500
	tagSaturationCount  = 5
)

// Priority orders backpressure: low-priority batches are shed first when
// the enrichment queue is full.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Options tune one submission.
type Options struct {
	EnableEnrichment     bool     `json:"enable_enrichment"`
	ExtractHighlights    bool     `json:"extract_highlights"`
	GenerateSemanticTags bool     `json:"generate_semantic_tags"`
	Priority             Priority `json:"priority"`
}

// wantsEnrichment reports whether any enrichment product was requested.
// The analyzer produces highlights and semantic tags in one pass, so any
// of the flags runs the full enrichment.
func (o Options) wantsEnrichment() bool {
	return o.EnableEnrichment || o.ExtractHighlights || o.GenerateSemanticTags
}

// Request is one batch submission.
type Request struct {
	AppID   string
	UserID  string
	Batch   []RawObservation
	Options Options
}

// ItemResult is the per-item outcome.
type ItemResult struct {
	ID              string  `json:"id,omitempty"`
	Accepted        bool    `json:"accepted"`
	Duplicate       bool    `json:"duplicate,omitempty"`
	RejectedReason  string  `json:"rejected_reason,omitempty"`
	InfluenceWeight float32 `json:"influence_weight,omitempty"`
}

// Summary is the batch outcome. Degraded marks batches that skipped
// enrichment under backlog pressure.
type Summary struct {
	JobID          string       `json:"job_id"`
	ProcessedCount int          `json:"processed_count"`
	Degraded       bool         `json:"degraded,omitempty"`
	Items          []ItemResult `json:"items"`
}

// Storer writes enriched observations to the tiered store.
type Storer interface {
	Put(ctx context.Context, obs *domain.Observation) error
}

// Repo is the warm-store slice the pipeline needs directly: the
// idempotency lookup and the profile event queue.
type Repo interface {
	FindIdempotentDuplicate(ctx context.Context, userID, contentHash string, since time.Time) (string, error)
	EnqueueProfileEvent(ctx context.Context, userID, observationID, kind string, attentionWeight float32) error
}

// Enricher populates the enriched fields of an observation in place.
type Enricher interface {
	Enrich(ctx context.Context, obs *domain.Observation) error
}

// Scorer computes the attention weight from user history.
type Scorer interface {
	Score(ctx context.Context, obs *domain.Observation) (attention.Result, error)
}

// RulesProvider exposes the live scoring rules.
type RulesProvider interface {
	Rules() *config.ScoringRules
}

// Pipeline is the ingestion orchestrator.
type Pipeline struct {
	store    Storer
	repo     Repo
	enricher Enricher
	scorer   Scorer
	rules    RulesProvider
	locks    *keyedmutex.Mutex
	logger   *zerolog.Logger

	parallel  int
	queue     chan struct{}
	degradeAt int

	// onCommit is notified after every batch that stored at least one
	// observation. The retriever hangs its cache invalidation here.
	onCommit func(userID string)
}

// Config sizes the pipeline's concurrency.
type Config struct {
	Parallel int
	QueueMax int
}

func New(store Storer, repo Repo, enricher Enricher, scorer Scorer, rules RulesProvider, cfg Config, logger *zerolog.Logger) *Pipeline {
	if cfg.Parallel <= 0 {
		cfg.Parallel = defaultParallel
	}

	if cfg.QueueMax <= 0 {
		cfg.QueueMax = defaultQueueMax
	}

	return &Pipeline{
		store:     store,
		repo:      repo,
		enricher:  enricher,
		scorer:    scorer,
		rules:     rules,
		locks:     keyedmutex.New(),
		logger:    logger,
		parallel:  cfg.Parallel,
		queue:     make(chan struct{}, cfg.QueueMax),
		degradeAt: int(float64(cfg.QueueMax) * degradeQueueShare),
	}
}

// OnCommit registers the post-store hook. Must be called before Submit.
func (p *Pipeline) OnCommit(fn func(userID string)) {
	p.onCommit = fn
}

// Submit processes one batch and returns the per-item summary. Validation
// failures are reported per item; only batch-level violations (size cap,
// backpressure) fail the whole call.
func (p *Pipeline) Submit(ctx context.Context, req Request) (*Summary, error) {
	// An empty batch is a valid no-op, not an error.
	if len(req.Batch) == 0 {
		return &Summary{JobID: uuid.NewString(), Items: []ItemResult{}}, nil
	}

	if len(req.Batch) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", perrors.ErrBatchTooLarge, len(req.Batch), MaxBatchSize)
	}

	if err := p.acquireSlots(ctx, len(req.Batch), req.Options.Priority); err != nil {
		return nil, err
	}
	defer p.releaseSlots(len(req.Batch))

	// Degraded mode: past the backlog threshold the batch is still stored,
	// but with default enrichment so ingestion keeps absorbing writes.
	degraded := len(p.queue) > p.degradeAt
	if degraded && req.Options.wantsEnrichment() {
		p.logger.Warn().Int("queue_depth", len(p.queue)).Msg("enrichment backlog, degrading batch")
	}

	start := time.Now()
	defer func() {
		observability.BatchDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	summary := &Summary{
		JobID:    uuid.NewString(),
		Degraded: degraded,
		Items:    make([]ItemResult, len(req.Batch)),
	}

	observations := make([]*domain.Observation, len(req.Batch))

	for i, raw := range req.Batch {
		obs, dupID, err := p.prepare(ctx, req, raw)
		if err != nil {
			summary.Items[i] = ItemResult{RejectedReason: err.Error()}
			observability.ObservationsRejected.WithLabelValues(rejectReason(err)).Inc()

			continue
		}

		if dupID != "" {
			summary.Items[i] = ItemResult{ID: dupID, Accepted: true, Duplicate: true}
			continue
		}

		observations[i] = obs
	}

	if !degraded {
		p.enrichBatch(ctx, observations, req.Options)
	}

	// Writes for one user are serialized; profile events keep submission
	// order because ids were assigned in batch order above.
	p.locks.Lock(req.UserID)
	defer p.locks.Unlock(req.UserID)

	for i, obs := range observations {
		if obs == nil {
			continue
		}

		result, err := p.scoreAndStore(ctx, obs)
		summary.Items[i] = result

		if err != nil {
			observability.ObservationsRejected.WithLabelValues(rejectReason(err)).Inc()
			continue
		}

		observability.ObservationsIngested.WithLabelValues(obs.Source).Inc()
		summary.ProcessedCount++
	}

	if summary.ProcessedCount > 0 && p.onCommit != nil {
		p.onCommit(req.UserID)
	}

	return summary, nil
}

// prepare validates one raw item and resolves idempotency. A non-empty
// duplicate id means the content was already stored inside the window and
// the existing id is returned to the caller.
func (p *Pipeline) prepare(ctx context.Context, req Request, raw RawObservation) (*domain.Observation, string, error) {
	obs, err := raw.toObservation(req.UserID, req.AppID)
	if err != nil {
		return nil, "", err
	}

	existing, err := p.repo.FindIdempotentDuplicate(ctx, req.UserID, obs.ContentHash, time.Now().Add(-idempotencyWindow))
	if err != nil {
		return nil, "", err
	}

	if existing != "" {
		return nil, existing, nil
	}

	return obs, "", nil
}

// enrichBatch runs enrichment over the surviving items with bounded
// parallelism, preserving slot order. Enrichment never rejects an item;
// failures degrade inside the enricher.
func (p *Pipeline) enrichBatch(ctx context.Context, observations []*domain.Observation, opts Options) {
	if !opts.wantsEnrichment() {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)

	for _, obs := range observations {
		if obs == nil {
			continue
		}

		obs := obs

		g.Go(func() error {
			if err := p.enricher.Enrich(gctx, obs); err != nil {
				p.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("enrichment aborted")
			}

			return nil
		})
	}

	_ = g.Wait()
}

func (p *Pipeline) scoreAndStore(ctx context.Context, obs *domain.Observation) (ItemResult, error) {
	scored, err := p.scorer.Score(ctx, obs)
	if err != nil {
		return ItemResult{RejectedReason: err.Error()}, err
	}

	obs.AttentionWeight = scored.Weight
	obs.Attention = scored.Metrics
	obs.QualityScore = p.qualityScore(obs)
	obs.InfluenceWeight = obs.QualityScore * obs.AttentionWeight
	obs.Tier = domain.DetermineTier(obs.AgeDays(time.Now().UTC()), obs.InfluenceWeight)

	if err := p.store.Put(ctx, obs); err != nil {
		return ItemResult{RejectedReason: err.Error()}, err
	}

	if err := p.repo.EnqueueProfileEvent(ctx, obs.UserID, obs.ID, db.EventObservationCreated, obs.AttentionWeight); err != nil {
		// The observation is stored; a lost event only delays the profile.
		p.logger.Error().Err(err).Str("observation_id", obs.ID).Msg("profile event enqueue failed")
	}

	return ItemResult{ID: obs.ID, Accepted: true, InfluenceWeight: obs.InfluenceWeight}, nil
}

// qualityScore per the fixed shares: note length saturating at 500 chars,
// tag count saturating at 5, enriched-field presence, source trust.
func (p *Pipeline) qualityScore(obs *domain.Observation) float32 {
	noteFactor := float32(len(obs.Note)) / noteSaturationChars
	if noteFactor > 1 {
		noteFactor = 1
	}

	tagFactor := float32(len(obs.Tags)) / tagSaturationCount
	if tagFactor > 1 {
		tagFactor = 1
	}

	enrichedFactor := float32(0)
	if !obs.Processing.EnrichedAt.IsZero() && !obs.Processing.EnrichmentDegraded {
		enrichedFactor = 1
	}

	trust := p.rules.Rules().TrustFor(obs.Source)

	score := qualityNoteShare*noteFactor +
		qualityTagShare*tagFactor +
		qualityEnrichedShare*enrichedFactor +
		qualityTrustShare*trust

	if score > 1 {
		score = 1
	}

	return score
}

// acquireSlots applies backpressure. Low-priority batches are rejected the
// moment the queue is full; others wait for capacity or the deadline.
func (p *Pipeline) acquireSlots(ctx context.Context, n int, priority Priority) error {
	for taken := 0; taken < n; taken++ {
		if priority == PriorityLow {
			select {
			case p.queue <- struct{}{}:
			default:
				p.releaseSlots(taken)

				return fmt.Errorf("%w: ingestion queue full", perrors.ErrQuotaExceeded)
			}

			continue
		}

		select {
		case p.queue <- struct{}{}:
		case <-ctx.Done():
			p.releaseSlots(taken)

			return ctx.Err()
		}
	}

	return nil
}

func (p *Pipeline) releaseSlots(n int) {
	for i := 0; i < n; i++ {
		<-p.queue
	}
}

func rejectReason(err error) string {
	return string(perrors.KindOf(err))
}
