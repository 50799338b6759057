// Package app provides the application bootstrap and runtime orchestration.
//
// The App type wires together all dependencies and exposes methods to run
// different operational modes:
//
//   - API mode: the public HTTP surface (observations, profile, chat)
//   - Worker mode: profile engine, tier migration, journal recovery, and
//     the scheduled retention and compaction jobs
//   - All mode: both in one process, sharing the retriever cache so
//     profile commits invalidate it directly
//
// Each mode can be run independently or combined based on deployment needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perceptlab/percept/internal/api"
	"github.com/perceptlab/percept/internal/core/embeddings"
	"github.com/perceptlab/percept/internal/core/fulltext"
	"github.com/perceptlab/percept/internal/core/llm"
	"github.com/perceptlab/percept/internal/gateway"
	"github.com/perceptlab/percept/internal/platform/config"
	"github.com/perceptlab/percept/internal/platform/observability"
	"github.com/perceptlab/percept/internal/platform/worker"
	"github.com/perceptlab/percept/internal/privacy"
	"github.com/perceptlab/percept/internal/process/attention"
	"github.com/perceptlab/percept/internal/process/compose"
	"github.com/perceptlab/percept/internal/process/enrichment"
	"github.com/perceptlab/percept/internal/process/pipeline"
	"github.com/perceptlab/percept/internal/process/profile"
	"github.com/perceptlab/percept/internal/process/retrieve"
	db "github.com/perceptlab/percept/internal/storage"
	"github.com/perceptlab/percept/internal/storage/cold"
	"github.com/perceptlab/percept/internal/storage/hot"
	"github.com/perceptlab/percept/internal/tiered"
)

const (
	msgProfileWorkerStopped = "profile worker stopped"
	msgTierWorkerStopped    = "tier worker stopped"

	journalRecoveryBatch = 200
)

// App holds the application dependencies and provides methods to run
// different modes.
type App struct {
	cfg      *config.Config
	database *db.DB
	logger   *zerolog.Logger
}

// New creates a new App instance with the given dependencies.
func New(cfg *config.Config, database *db.DB, logger *zerolog.Logger) *App {
	return &App{
		cfg:      cfg,
		database: database,
		logger:   logger,
	}
}

// components is the fully wired runtime shared by the run modes. Building
// it once per process keeps the profile-commit → retriever-invalidation
// hook inside a single cache.
type components struct {
	hot       *hot.Store
	cold      *cold.Store
	index     *fulltext.Client
	tiers     *tiered.Store
	rules     *config.RulesStore
	embedder  embeddings.Client
	llm       llm.Client
	pipeline  *pipeline.Pipeline
	engine    *profile.Engine
	retriever *retrieve.Retriever
	composer  *compose.Composer
	privacy   *privacy.Service
	gateway   *gateway.Gateway
}

func (a *App) build(ctx context.Context) (*components, error) {
	c := &components{}

	c.hot = hot.New(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, a.cfg.HotTTL, a.logger)

	coldStore, err := cold.NewStore(a.cfg.ColdStoreDir, a.logger)
	if err != nil {
		return nil, fmt.Errorf("cold store init: %w", err)
	}

	c.cold = coldStore
	c.index = a.newFullTextClient()
	c.tiers = tiered.New(a.database, c.hot, c.cold, c.index, a.logger)

	c.rules, err = config.NewRulesStore(a.cfg.ScoringRulesPath, a.logger)
	if err != nil {
		return nil, fmt.Errorf("scoring rules init: %w", err)
	}

	c.embedder = a.newEmbeddingClient(ctx)
	c.llm = a.newLLMClient()

	enricher := enrichment.NewEnricher(
		a.newAnalyzer(c.llm),
		c.embedder,
		a.cfg.EmbeddingDimensions,
		a.cfg.EnrichmentTimeout,
		a.logger,
	)
	scorer := attention.NewScorer(a.database, a.logger)

	c.pipeline = pipeline.New(c.tiers, a.database, enricher, scorer, c.rules, pipeline.Config{
		Parallel: a.cfg.EnrichmentParallel,
		QueueMax: a.cfg.EnrichmentQueueMax,
	}, a.logger)

	c.retriever = retrieve.New(a.database, c.index, a.database, a.logger)
	c.pipeline.OnCommit(func(userID string) {
		// New writes must be visible to retrieval immediately, not after
		// the cache TTL.
		c.retriever.Invalidate(userID)
	})

	c.engine = profile.NewEngine(a.database, a.logger)
	c.engine.OnCommit(func(userID string, epoch int64) {
		c.retriever.SetEpoch(userID, epoch)
	})

	c.composer = compose.New(a.database, c.retriever, c.embedder, a.logger)
	c.privacy = privacy.NewService(a.database, c.tiers, a.logger)
	c.gateway = gateway.New(c.llm, c.composer, c.pipeline, c.privacy, a.database, a.logger)

	return c, nil
}

// RunAPI runs the API-only mode.
func (a *App) RunAPI(ctx context.Context) error {
	a.logger.Info().Msg("Starting API mode")

	c, err := a.build(ctx)
	if err != nil {
		return err
	}

	a.watchRules(ctx, c.rules)

	return a.runAPIServer(ctx, c)
}

// RunWorkers runs the worker-only mode.
func (a *App) RunWorkers(ctx context.Context) error {
	a.logger.Info().Msg("Starting worker mode")

	c, err := a.build(ctx)
	if err != nil {
		return err
	}

	a.watchRules(ctx, c.rules)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.startHealthServer(ctx, c) })
	g.Go(func() error { return a.runMaintenanceCron(ctx, c) })

	a.startBackgroundWorkers(ctx, g, c)

	return ignoreCanceled(g.Wait())
}

// RunAll runs the API and the workers in one process.
func (a *App) RunAll(ctx context.Context) error {
	a.logger.Info().Msg("Starting combined mode")

	c, err := a.build(ctx)
	if err != nil {
		return err
	}

	a.watchRules(ctx, c.rules)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runAPIServer(ctx, c) })
	g.Go(func() error { return a.runMaintenanceCron(ctx, c) })

	a.startBackgroundWorkers(ctx, g, c)

	return ignoreCanceled(g.Wait())
}

// Migrate applies pending database migrations.
func (a *App) Migrate(ctx context.Context) error {
	return a.database.Migrate(ctx)
}

func (a *App) runAPIServer(ctx context.Context, c *components) error {
	srv := api.NewServer(a.cfg, api.Deps{
		Pipeline:  c.pipeline,
		Retriever: c.retriever,
		Embedder:  c.embedder,
		Chatter:   c.gateway,
		Composer:  c.composer,
		Profiles:  a.database,
		Usage:     a.database,
		Audit:     a.database,
		Rate:      c.hot,
		Privacy:   c.privacy,
		Apps:      a.database,
		AppCache:  c.hot,
	}, a.logger)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	return nil
}

// startHealthServer serves liveness, readiness, and metrics for worker
// deployments that don't carry the API surface.
func (a *App) startHealthServer(ctx context.Context, c *components) error {
	srv := observability.NewServer(a.cfg.HealthPort, a.logger)
	srv.AddCheck("postgres", a.database)
	srv.AddCheck("redis", c.hot)

	if c.index.Enabled() {
		srv.AddCheck("fulltext", c.index)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("health server: %w", err)
	}

	return nil
}

// startBackgroundWorkers launches the profile engine loop and the tier
// maintenance tickers onto the group.
func (a *App) startBackgroundWorkers(ctx context.Context, g *errgroup.Group, c *components) {
	g.Go(func() error {
		err := worker.Loop(ctx, worker.Config{
			Name:         "profile-engine",
			PollInterval: a.cfg.ProfileWorkerInterval,
			Process: func(ctx context.Context) error {
				_, err := c.engine.ProcessPending(ctx)
				return err
			},
			Logger: a.logger,
		})
		if errors.Is(err, context.Canceled) {
			a.logger.Info().Msg(msgProfileWorkerStopped)
			return nil
		}

		return err
	})

	g.Go(func() error {
		err := worker.TickerLoop(ctx, worker.TickerConfig{
			Name: "tier-maintenance",
			Tasks: []worker.TickerTask{
				{
					Name:     "tier-migration",
					Interval: a.cfg.MigrateInterval,
					Run: func(ctx context.Context) {
						defer worker.RecoverPanic(a.logger, "tier migration")

						migrated, err := c.tiers.Migrate(ctx, a.cfg.MigrateBatchSize)
						if err != nil {
							a.logger.Warn().Err(err).Msg("tier migration pass failed")
							return
						}

						if migrated > 0 {
							a.logger.Info().Int("migrated", migrated).Msg("tier migration pass complete")
						}
					},
				},
				{
					Name:     "journal-recovery",
					Interval: a.cfg.JournalRecoveryAge,
					Run: func(ctx context.Context) {
						defer worker.RecoverPanic(a.logger, "journal recovery")

						recovered, err := c.tiers.RecoverJournal(ctx, a.cfg.JournalRecoveryAge, journalRecoveryBatch)
						if err != nil {
							a.logger.Warn().Err(err).Msg("journal recovery pass failed")
							return
						}

						if recovered > 0 {
							a.logger.Info().Int("recovered", recovered).Msg("journal entries rolled forward")
						}
					},
				},
			},
			Logger: a.logger,
		})
		if errors.Is(err, context.Canceled) {
			a.logger.Info().Msg(msgTierWorkerStopped)
			return nil
		}

		return err
	})
}

// runMaintenanceCron schedules the retention sweep and cold-segment
// compaction off-peak.
func (a *App) runMaintenanceCron(ctx context.Context, c *components) error {
	sched := cron.New()

	if _, err := sched.AddFunc(a.cfg.RetentionCleanupSpec, func() {
		swept, err := c.privacy.RetentionSweep(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("retention sweep failed")
			return
		}

		if swept > 0 {
			a.logger.Info().Int("swept", swept).Msg("retention sweep complete")
		}
	}); err != nil {
		return fmt.Errorf("retention cleanup schedule: %w", err)
	}

	if _, err := sched.AddFunc(a.cfg.ColdCompactionSpec, func() {
		if err := c.cold.Compact(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("cold compaction failed")
			return
		}

		a.logger.Info().Msg("cold compaction complete")
	}); err != nil {
		return fmt.Errorf("cold compaction schedule: %w", err)
	}

	if _, err := sched.AddFunc(a.cfg.UsageRollupSpec, func() {
		cutoff := time.Now().AddDate(0, 0, -a.cfg.UsageRetentionDays)

		pruned, err := a.database.PruneModelUsage(ctx, cutoff)
		if err != nil {
			a.logger.Warn().Err(err).Msg("usage rollup failed")
			return
		}

		if pruned > 0 {
			a.logger.Info().Int("pruned", pruned).Msg("usage ledger rolled up")
		}
	}); err != nil {
		return fmt.Errorf("usage rollup schedule: %w", err)
	}

	sched.Start()
	<-ctx.Done()

	stopCtx := sched.Stop()
	<-stopCtx.Done()

	return nil
}

func (a *App) watchRules(ctx context.Context, rules *config.RulesStore) {
	if a.cfg.ScoringRulesPath == "" {
		return
	}

	go func() {
		if err := rules.Watch(ctx.Done()); err != nil {
			a.logger.Warn().Err(err).Msg("scoring rules watcher failed")
		}
	}()
}

// newLLMClient creates the completion registry with multi-provider fallback.
func (a *App) newLLMClient() llm.Client {
	return llm.New(llm.Config{
		OpenAIAPIKey:     a.cfg.OpenAIAPIKey,
		OpenAIBaseURL:    a.cfg.OpenAIBaseURL,
		OpenAIModel:      a.cfg.OpenAIModel,
		AnthropicAPIKey:  a.cfg.AnthropicAPIKey,
		AnthropicModel:   a.cfg.AnthropicModel,
		OpenRouterAPIKey: a.cfg.OpenRouterAPIKey,
		OpenRouterModel:  a.cfg.OpenRouterModel,
		RateLimitRPS:     a.cfg.RateLimitRPS,
		Timeout:          a.cfg.ModelTimeout,
		DailyTokenBudget: a.cfg.DailyTokenBudget,
	}, a.logger)
}

// newEmbeddingClient creates the embedding registry. In small-model mode
// only the deterministic local provider registers.
func (a *App) newEmbeddingClient(ctx context.Context) embeddings.Client {
	logger := a.logger.With().Str("component", "embeddings").Logger()

	return embeddings.NewClient(ctx, embeddings.Config{
		OpenAIAPIKey:     a.cfg.OpenAIAPIKey,
		OpenAIModel:      a.cfg.EmbeddingModel,
		OpenAIRateLimit:  a.cfg.RateLimitRPS,
		SmallModelMode:   a.cfg.SmallModelMode,
		TargetDimensions: a.cfg.EmbeddingDimensions,
	}, &logger)
}

// newFullTextClient creates the full-text index client. With the index
// disabled the client is constructed with no base URL and every call
// reports ErrClientDisabled, which the callers treat as a skip.
func (a *App) newFullTextClient() *fulltext.Client {
	var baseURL string
	if a.cfg.FullTextEnabled {
		baseURL = a.cfg.FullTextBaseURL + "/" + a.cfg.FullTextCollection
	}

	return fulltext.New(fulltext.Config{
		BaseURL: baseURL,
		Timeout: a.cfg.FullTextTimeout,
	})
}

// newAnalyzer picks the enrichment analyzer: the deterministic heuristic
// in small-model mode, the completion registry otherwise.
func (a *App) newAnalyzer(client llm.Client) enrichment.Analyzer {
	if a.cfg.SmallModelMode {
		return enrichment.NewHeuristicAnalyzer()
	}

	return enrichment.NewLLMAnalyzer(client, a.cfg.OpenAIModel)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
