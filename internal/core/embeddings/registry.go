package embeddings

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry errors.
var (
	ErrNoProvidersAvailable = errors.New("no embedding providers available")
	ErrAllProvidersFailed   = errors.New("all embedding providers failed")
)

const logKeyProvider = "provider"

// Registry is the embedding Client: it walks the registered providers in
// priority order and returns the first vector it gets, fitted to the
// configured width so rows in observation_embeddings always match the
// vector column regardless of which provider produced them.
type Registry struct {
	mu       sync.RWMutex
	byName   map[ProviderName]Provider
	ranked   []ProviderName
	breakers map[ProviderName]*CircuitBreaker
	width    int
	logger   *zerolog.Logger
}

// NewRegistry creates an empty registry producing vectors of the given width.
func NewRegistry(width int, logger *zerolog.Logger) *Registry {
	return &Registry{
		byName:   make(map[ProviderName]Provider),
		breakers: make(map[ProviderName]*CircuitBreaker),
		width:    width,
		logger:   logger,
	}
}

// Register adds a provider behind its own circuit breaker and re-ranks the
// fallback order.
func (r *Registry) Register(p Provider, cfg CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.byName[name] = p
	r.breakers[name] = NewCircuitBreaker(cfg, r.logger)

	r.ranked = append(r.ranked, name)
	sort.SliceStable(r.ranked, func(i, j int) bool {
		return r.byName[r.ranked[i]].Priority() > r.byName[r.ranked[j]].Priority()
	})

	markAvailable(string(name), p.IsAvailable())

	r.logger.Info().
		Str(logKeyProvider, string(name)).
		Int("priority", p.Priority()).
		Int("dimensions", p.Dimensions()).
		Msg("registered embedding provider")
}

// GetEmbedding returns an embedding for text from the highest-priority
// provider that is configured, closed-circuit, and answers. Every attempt
// is metered; a success on anything but the first choice counts as a
// fallback.
func (r *Registry) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	candidates, primary := r.candidates()
	if len(candidates) == 0 {
		return nil, ErrNoProvidersAvailable
	}

	tokens := estimateTokens(text)

	var lastErr error

	for _, p := range candidates {
		name := string(p.Name())
		model := p.ModelVersion()

		cb := r.breaker(p.Name())
		if !cb.CanAttempt() {
			markAvailable(name, false)
			r.logger.Debug().Str(logKeyProvider, name).Msg("embedding provider circuit open, skipping")

			continue
		}

		started := time.Now()
		result, err := p.GetEmbedding(ctx, text)
		meterAttempt(name, model, time.Since(started), err)

		if err != nil {
			cb.RecordFailure(p.Name())

			lastErr = err

			r.logger.Warn().Err(err).Str(logKeyProvider, name).Msg("embedding provider failed")

			continue
		}

		cb.RecordSuccess()
		meterUsage(name, model, tokens)
		markAvailable(name, true)

		if primary != "" && name != primary {
			meterFallback(primary, name)
			r.logger.Info().
				Str(logKeyProvider, name).
				Str("instead_of", primary).
				Msg("embedding served by fallback provider")
		}

		return fitWidth(result.Vector, r.width), nil
	}

	if lastErr != nil {
		return nil, errors.Join(ErrAllProvidersFailed, lastErr)
	}

	return nil, ErrNoProvidersAvailable
}

// candidates returns the available providers in rank order plus the name of
// the overall first choice, which fallback accounting compares against.
func (r *Registry) candidates() ([]Provider, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var primary string
	if len(r.ranked) > 0 {
		primary = string(r.ranked[0])
	}

	out := make([]Provider, 0, len(r.ranked))

	for _, name := range r.ranked {
		if p := r.byName[name]; p.IsAvailable() {
			out = append(out, p)
		}
	}

	return out, primary
}

func (r *Registry) breaker(name ProviderName) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.breakers[name]
}

// fitWidth zero-pads or truncates vec to n entries. Zero padding preserves
// cosine distances, so vectors from narrower models remain comparable.
func fitWidth(vec []float32, n int) []float32 {
	switch {
	case len(vec) == n:
		return vec
	case len(vec) > n:
		return vec[:n]
	default:
		out := make([]float32, n)
		copy(out, vec)

		return out
	}
}
