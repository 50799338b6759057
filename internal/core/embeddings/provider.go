package embeddings

import (
	"context"
	"time"
)

// ProviderName identifies an embedding provider.
type ProviderName string

// Wired providers.
const (
	ProviderOpenAI ProviderName = "openai"
	ProviderLocal  ProviderName = "local"
	ProviderMock   ProviderName = "mock"
)

// Rank constants: the remote model first, the deterministic local
// provider as the always-on floor beneath it.
const (
	PriorityPrimary  = 100
	PriorityFallback = 50
	PriorityMock     = 0
)

// DefaultDimensions matches the vector column width in warm storage.
const DefaultDimensions = 1536

const (
	defaultCircuitThreshold = 5

	errRateLimiterFmt = "rate limiter: %w"

	// mockAPIKey marks a key slot that tests fill without enabling the
	// remote provider.
	mockAPIKey = "mock"
)

// EmbeddingResult is one provider answer before width fitting.
type EmbeddingResult struct {
	Vector     []float32
	Dimensions int
	Provider   ProviderName
}

// Provider is one embedding source the registry can rank and call.
type Provider interface {
	Name() ProviderName

	GetEmbedding(ctx context.Context, text string) (EmbeddingResult, error)

	// IsAvailable reports whether the provider is configured well enough
	// to try at all; circuit state is tracked outside the provider.
	IsAvailable() bool

	// Priority ranks providers, higher first.
	Priority() int

	// Dimensions is the provider's native vector width.
	Dimensions() int

	// ModelVersion identifies the model behind the provider. Enrichment
	// metadata records it so vectors from different models can be told apart.
	ModelVersion() string
}

// CircuitBreakerConfig sets when a provider's breaker opens and for how long.
type CircuitBreakerConfig struct {
	Threshold  int
	ResetAfter time.Duration
}

// DefaultCircuitBreakerConfig opens after five consecutive failures for
// one minute.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{Threshold: defaultCircuitThreshold, ResetAfter: time.Minute}
}
