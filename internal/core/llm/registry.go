package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/embeddings"
	"github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/platform/observability"
)

// CircuitConfig aliases the shared breaker settings; the LLM and embedding
// registries trip on the same thresholds.
type CircuitConfig = embeddings.CircuitBreakerConfig

// DefaultCircuitConfig returns the default breaker settings.
func DefaultCircuitConfig() CircuitConfig {
	return embeddings.DefaultCircuitBreakerConfig()
}

// Log key constants.
const logKeyProvider = "provider"

// Registry manages LLM providers with priority fallback and budget guard.
type Registry struct {
	mu              sync.RWMutex
	providers       map[ProviderName]Provider
	order           []ProviderName // Priority order (highest first)
	circuitBreakers map[ProviderName]*embeddings.CircuitBreaker
	budget          *BudgetTracker
	logger          *zerolog.Logger
}

// NewRegistry creates an empty registry with the given daily token budget.
// A zero budget disables the guard.
func NewRegistry(dailyTokenBudget int64, logger *zerolog.Logger) *Registry {
	return &Registry{
		providers:       make(map[ProviderName]Provider),
		order:           make([]ProviderName, 0),
		circuitBreakers: make(map[ProviderName]*embeddings.CircuitBreaker),
		budget:          NewBudgetTracker(dailyTokenBudget, logger),
		logger:          logger,
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider, cfg CircuitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.providers[name] = p
	r.order = append(r.order, name)
	r.circuitBreakers[name] = embeddings.NewCircuitBreaker(cfg, r.logger)

	sort.SliceStable(r.order, func(i, j int) bool {
		return r.providers[r.order[i]].Priority() > r.providers[r.order[j]].Priority()
	})

	r.logger.Info().
		Str(logKeyProvider, string(name)).
		Int("priority", p.Priority()).
		Str("model", p.DefaultModel()).
		Msg("registered LLM provider")
}

// ProviderCount returns the number of registered providers.
func (r *Registry) ProviderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.providers)
}

// Complete routes the request through available providers in priority
// order, skipping open circuits and falling over on failure.
func (r *Registry) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if err := r.checkBudget(); err != nil {
		return CompletionResult{}, err
	}

	r.mu.RLock()
	candidates := make([]Provider, 0, len(r.order))

	for _, name := range r.order {
		if p := r.providers[name]; p.IsAvailable() {
			candidates = append(candidates, p)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return CompletionResult{}, errors.ErrNoProvidersAvailable
	}

	var lastErr error

	primary := candidates[0].Name()

	for _, p := range candidates {
		cb := r.getCircuitBreaker(p.Name())
		if !cb.CanAttempt() {
			observability.CircuitBreakerState.WithLabelValues(string(p.Name())).Set(1)
			continue
		}

		result, err := r.invoke(ctx, p, req)
		if err != nil {
			cb.RecordFailure(embeddings.ProviderName(p.Name()))

			lastErr = err

			r.logger.Warn().Err(err).
				Str(logKeyProvider, string(p.Name())).
				Msg("LLM provider failed, trying fallback")

			continue
		}

		cb.RecordSuccess()
		observability.CircuitBreakerState.WithLabelValues(string(p.Name())).Set(0)

		if p.Name() != primary {
			observability.ModelFallbacks.WithLabelValues(string(primary)).Inc()
		}

		return result, nil
	}

	if lastErr != nil {
		return CompletionResult{}, fmt.Errorf("%w: %w", errors.ErrAllProvidersFailed, lastErr)
	}

	return CompletionResult{}, errors.ErrCircuitBreakerOpen
}

// CompleteWith pins the request to one provider, bypassing routing but not
// the circuit breaker or the budget guard.
func (r *Registry) CompleteWith(ctx context.Context, provider ProviderName, req CompletionRequest) (CompletionResult, error) {
	if err := r.checkBudget(); err != nil {
		return CompletionResult{}, err
	}

	r.mu.RLock()
	p, ok := r.providers[provider]
	r.mu.RUnlock()

	if !ok || !p.IsAvailable() {
		return CompletionResult{}, fmt.Errorf("provider %s: %w", provider, errors.ErrNoProvidersAvailable)
	}

	cb := r.getCircuitBreaker(provider)
	if !cb.CanAttempt() {
		return CompletionResult{}, fmt.Errorf("provider %s: %w", provider, errors.ErrCircuitBreakerOpen)
	}

	result, err := r.invoke(ctx, p, req)
	if err != nil {
		cb.RecordFailure(embeddings.ProviderName(provider))
		return CompletionResult{}, err
	}

	cb.RecordSuccess()

	return result, nil
}

// invoke runs one provider call with timing, metrics, and budget recording.
func (r *Registry) invoke(ctx context.Context, p Provider, req CompletionRequest) (CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}

	start := time.Now()
	result, err := p.Complete(ctx, req)
	duration := time.Since(start)

	observability.ModelRequestDuration.WithLabelValues(string(p.Name()), model).Observe(duration.Seconds())

	if err != nil {
		return CompletionResult{}, err
	}

	result.LatencyMs = duration.Milliseconds()

	RecordTokenUsage(r.budget, string(result.Provider), result.Model, result.PromptTokens, result.CompletionTokens)

	return result, nil
}

// Route applies the cost policy: among available providers with closed
// breakers, choose the cheapest blended per-token rate, breaking ties by
// priority. The baseline is the most expensive candidate; savings are
// measured against it.
func (r *Registry) Route() (RoutingDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		chosen       Provider
		baseline     Provider
		chosenCost   float64
		baselineCost float64
	)

	for _, name := range r.order {
		p := r.providers[name]
		if !p.IsAvailable() {
			continue
		}

		if cb := r.circuitBreakers[name]; cb != nil && !cb.CanAttempt() {
			continue
		}

		cost := blendedCostPerMToken(string(name), p.DefaultModel())

		if chosen == nil || cost < chosenCost {
			chosen, chosenCost = p, cost
		}

		if baseline == nil || cost > baselineCost {
			baseline, baselineCost = p, cost
		}
	}

	if chosen == nil {
		return RoutingDecision{}, errors.ErrNoProvidersAvailable
	}

	reason := "lowest blended cost among available providers"
	if chosen.Name() == baseline.Name() {
		reason = "only available provider"
	}

	return RoutingDecision{
		Provider:              chosen.Name(),
		Model:                 chosen.DefaultModel(),
		Reason:                reason,
		BlendedCostPerMToken:  chosenCost,
		BaselineProvider:      baseline.Name(),
		BaselineModel:         baseline.DefaultModel(),
		BaselineCostPerMToken: baselineCost,
	}, nil
}

// ProviderStatuses reports registered provider health in priority order.
func (r *Registry) ProviderStatuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]ProviderStatus, 0, len(r.order))

	for _, name := range r.order {
		p := r.providers[name]
		cb := r.circuitBreakers[name]

		statuses = append(statuses, ProviderStatus{
			Name:        name,
			Model:       p.DefaultModel(),
			Available:   p.IsAvailable(),
			CircuitOpen: cb != nil && cb.IsOpen(),
			Priority:    p.Priority(),
		})
	}

	return statuses
}

// BudgetStatus returns daily token usage against the configured limit.
func (r *Registry) BudgetStatus() (dailyTokens, dailyLimit int64, percentage float64) {
	return r.budget.GetStatus()
}

// SeedBudget primes the tracker with tokens already spent today, read from
// the usage ledger on startup.
func (r *Registry) SeedBudget(tokens int64) {
	r.budget.RecordTokens(int(tokens))
}

// checkBudget rejects requests once the daily budget is fully spent.
func (r *Registry) checkBudget() error {
	used, limit, ratio := r.budget.GetStatus()
	if limit > 0 {
		observability.BudgetUsageRatio.Set(ratio)
	}

	if limit > 0 && used >= limit {
		return errors.ErrBudgetExhausted
	}

	return nil
}

func (r *Registry) getCircuitBreaker(name ProviderName) *embeddings.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.circuitBreakers[name]
}

// Ensure Registry implements the Client interface.
var _ Client = (*Registry)(nil)
