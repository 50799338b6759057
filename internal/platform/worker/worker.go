// Package worker runs the background loops behind the ingestion service:
// the profile-engine poll and the tier-maintenance tickers. Loops stop only
// on context cancellation; a failing pass is logged and the loop keeps its
// cadence.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	logFieldWorker = "worker"
	logFieldTask   = "task"
)

// Config describes a poll loop: Process is called once per interval until
// the context ends.
type Config struct {
	Name         string
	PollInterval time.Duration
	Process      func(ctx context.Context) error
	Logger       *zerolog.Logger
}

// Loop polls cfg.Process at cfg.PollInterval. Errors from Process do not
// stop the loop; the only exit is cancellation, returned wrapped with the
// worker name.
func Loop(ctx context.Context, cfg Config) error {
	logger := orNop(cfg.Logger)
	logger.Info().Str(logFieldWorker, cfg.Name).Dur("interval", cfg.PollInterval).Msg("worker started")

	defer logger.Info().Str(logFieldWorker, cfg.Name).Msg("worker stopped")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := cfg.Process(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Str(logFieldWorker, cfg.Name).Msg("worker pass failed")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("worker %s: %w", cfg.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TickerTask is one scheduled maintenance job.
type TickerTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// TickerConfig groups tasks that share one lifecycle.
type TickerConfig struct {
	Name   string
	Tasks  []TickerTask
	Logger *zerolog.Logger
}

// TickerLoop runs each task on its own ticker, first pass immediately,
// until the context is canceled. Tasks are independent: a slow migration
// pass never delays journal recovery.
func TickerLoop(ctx context.Context, cfg TickerConfig) error {
	logger := orNop(cfg.Logger)
	logger.Info().Str(logFieldWorker, cfg.Name).Int("tasks", len(cfg.Tasks)).Msg("ticker worker started")

	defer logger.Info().Str(logFieldWorker, cfg.Name).Msg("ticker worker stopped")

	var wg sync.WaitGroup

	for _, task := range cfg.Tasks {
		if task.Run == nil || task.Interval <= 0 {
			continue
		}

		wg.Add(1)

		go func(t TickerTask) {
			defer wg.Done()
			runTask(ctx, t, logger)
		}(task)
	}

	wg.Wait()

	return fmt.Errorf("ticker worker %s: %w", cfg.Name, ctx.Err())
}

func runTask(ctx context.Context, t TickerTask, logger *zerolog.Logger) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		logger.Debug().Str(logFieldTask, t.Name).Msg("running task")
		t.Run(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecoverPanic converts a panic inside a task into an error log so one bad
// pass cannot take down the worker process.
// Use as: defer worker.RecoverPanic(logger, "tier migration")
func RecoverPanic(logger *zerolog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("operation", operation).
			Msg("recovered from panic")
	}
}

func orNop(logger *zerolog.Logger) *zerolog.Logger {
	if logger == nil {
		nop := zerolog.Nop()

		return &nop
	}

	return logger
}
