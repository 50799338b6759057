// Package llm provides multi-provider access to external language models
// with priority fallback, circuit breaking, cost-based routing, and daily
// token budget tracking.
//
// The gateway is the only caller: it composes a personalization prompt,
// routes it through the registry, and records the returned usage.
package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Default request limits.
const (
	defaultMaxTokens   = 4096
	defaultTimeout     = 30 * time.Second
	defaultRateLimit   = 1
	defaultTemperature = 0.7
)

// RoutingDecision records how a chat request was routed and what the same
// token volume would have cost at the most expensive available route. The
// baseline is what "saving percent" is measured against.
type RoutingDecision struct {
	Provider             ProviderName `json:"provider"`
	Model                string       `json:"model"`
	Reason               string       `json:"reason"`
	PinnedByUser         bool         `json:"pinned_by_user"`
	BlendedCostPerMToken float64      `json:"blended_cost_per_mtoken"`
	BaselineProvider     ProviderName `json:"baseline_provider"`
	BaselineModel        string       `json:"baseline_model"`
	BaselineCostPerMToken float64     `json:"baseline_cost_per_mtoken"`
}

// SavingPercent returns the relative cost advantage of the chosen route
// over the baseline, 0 when the chosen route is the baseline.
func (d *RoutingDecision) SavingPercent() float64 {
	if d.BaselineCostPerMToken <= 0 || d.BlendedCostPerMToken >= d.BaselineCostPerMToken {
		return 0
	}

	return (1 - d.BlendedCostPerMToken/d.BaselineCostPerMToken) * 100
}

// ProviderStatus reports one provider's health for diagnostics.
type ProviderStatus struct {
	Name        ProviderName `json:"name"`
	Model       string       `json:"model"`
	Available   bool         `json:"available"`
	CircuitOpen bool         `json:"circuit_open"`
	Priority    int          `json:"priority"`
}

// Client is the completion surface consumed by the gateway and the
// LLM-backed enrichment analyzer.
type Client interface {
	// Complete routes the request through available providers in priority
	// order, falling over on failure.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)

	// CompleteWith pins the request to one provider, no fallback. Used when
	// a user-supplied key fixes the route.
	CompleteWith(ctx context.Context, provider ProviderName, req CompletionRequest) (CompletionResult, error)

	// Route runs the cost policy over the available providers.
	Route() (RoutingDecision, error)

	// ProviderStatuses reports registered provider health.
	ProviderStatuses() []ProviderStatus

	// BudgetStatus returns daily token usage against the configured limit.
	BudgetStatus() (dailyTokens, dailyLimit int64, percentage float64)
}

// Config holds configuration for the provider registry.
type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	AnthropicAPIKey string
	AnthropicModel  string

	OpenRouterAPIKey string
	OpenRouterModel  string

	RateLimitRPS     int
	Timeout          time.Duration
	DailyTokenBudget int64

	CircuitBreaker CircuitConfig
}

// New creates the provider registry. Providers register in priority order:
// OpenAI primary, Anthropic first fallback, OpenRouter second. With nothing
// configured the mock provider serves deterministic canned output so the
// rest of the system stays testable offline.
func New(cfg Config, logger *zerolog.Logger) *Registry {
	if logger == nil {
		nopLogger := zerolog.Nop()
		logger = &nopLogger
	}

	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaultRateLimit
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.CircuitBreaker.Threshold == 0 {
		cfg.CircuitBreaker = DefaultCircuitConfig()
	}

	registry := NewRegistry(cfg.DailyTokenBudget, logger)

	if cfg.OpenAIAPIKey != "" {
		registry.Register(NewOpenAIProvider(OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			RateLimit: cfg.RateLimitRPS,
		}), cfg.CircuitBreaker)
	}

	if cfg.AnthropicAPIKey != "" {
		registry.Register(NewAnthropicProvider(AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.AnthropicModel,
			RateLimit: cfg.RateLimitRPS,
		}), cfg.CircuitBreaker)
	}

	if cfg.OpenRouterAPIKey != "" {
		registry.Register(NewOpenRouterProvider(OpenRouterConfig{
			APIKey:    cfg.OpenRouterAPIKey,
			Model:     cfg.OpenRouterModel,
			RateLimit: cfg.RateLimitRPS,
			Timeout:   cfg.Timeout,
		}), cfg.CircuitBreaker)
	}

	if registry.ProviderCount() == 0 {
		logger.Warn().Msg("no LLM providers configured, using mock provider")
		registry.Register(NewMockProvider(), cfg.CircuitBreaker)
	}

	return registry
}
