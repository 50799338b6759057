// Package embeddings provides text embedding generation with multi-provider
// support.
//
// Two providers are wired:
//   - OpenAI text-embedding-3-small / text-embedding-3-large
//   - a deterministic local provider (content-hash seeded), which doubles as
//     the small-model-mode backend and the enrichment degradation fallback
//
// Providers sit behind per-provider circuit breakers and rate limiters,
// and every returned vector is fitted to a single configured width so
// storage never sees mixed dimensionalities.
package embeddings

import (
	"context"

	"github.com/rs/zerolog"
)

// Client is what the enrichment worker and the profile engine consume: text
// in, fixed-width vector out.
type Client interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

var _ Client = (*Registry)(nil)

// Config selects and tunes the providers behind a Client.
type Config struct {
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIRateLimit int

	// SmallModelMode skips remote providers entirely and serves every
	// request from the deterministic local provider.
	SmallModelMode bool

	CircuitBreakerConfig CircuitBreakerConfig

	// TargetDimensions is the width every returned vector is fitted to.
	TargetDimensions int
}

// NewClient creates a new embedding client with configured providers. The
// local provider is always registered last so a remote outage degrades to
// deterministic vectors instead of failing enrichment.
func NewClient(_ context.Context, cfg Config, logger *zerolog.Logger) Client {
	if cfg.TargetDimensions == 0 {
		cfg.TargetDimensions = DefaultDimensions
	}

	if cfg.CircuitBreakerConfig.Threshold == 0 {
		cfg.CircuitBreakerConfig = DefaultCircuitBreakerConfig()
	}

	registry := NewRegistry(cfg.TargetDimensions, logger)

	if !cfg.SmallModelMode && cfg.OpenAIAPIKey != "" && cfg.OpenAIAPIKey != mockAPIKey {
		registry.Register(NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIModel,
			Dimensions: cfg.TargetDimensions,
			RateLimit:  cfg.OpenAIRateLimit,
		}), cfg.CircuitBreakerConfig)
	}

	registry.Register(NewLocalProvider(cfg.TargetDimensions), cfg.CircuitBreakerConfig)

	return registry
}
