package embeddings

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CircuitBreaker blocks calls to a provider after a run of consecutive
// failures and lets them through again once the reset window has passed.
// The completion registry in core/llm shares this implementation, so the
// two provider stacks trip and recover the same way.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	failures int
	blocked  time.Time // no attempts until this instant
	logger   *zerolog.Logger
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, logger: logger}
}

// CanAttempt reports whether the breaker currently admits a call.
func (cb *CircuitBreaker) CanAttempt() bool {
	return !cb.IsOpen()
}

// IsOpen reports whether the breaker is tripped.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return time.Now().Before(cb.blocked)
}

// RecordSuccess clears the failure run.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	cb.mu.Unlock()
}

// RecordFailure counts a failed call; at the threshold the breaker opens
// for the configured reset window.
func (cb *CircuitBreaker) RecordFailure(provider ProviderName) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.failures < cb.cfg.Threshold {
		return
	}

	cb.blocked = time.Now().Add(cb.cfg.ResetAfter)

	if cb.logger != nil {
		cb.logger.Warn().
			Str(logKeyProvider, string(provider)).
			Int("failures", cb.failures).
			Time("blocked_until", cb.blocked).
			Msg("provider circuit opened")
	}
}
