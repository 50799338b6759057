package llm

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/platform/observability"
)

// Alert thresholds as a fraction of the daily limit. The first crossing of
// each is logged once per day.
const (
	BudgetThresholdWarning  = 0.8
	BudgetThresholdCritical = 1.0
)

const budgetDay = "2006-01-02"

// BudgetTracker counts completion tokens against a per-day limit. The count
// rolls over at midnight UTC; crossing the warning or critical threshold is
// logged once per day. A zero limit disables the guard.
type BudgetTracker struct {
	mu       sync.Mutex
	used     int64
	limit    int64
	day      string // UTC date the counter belongs to
	warned   bool
	critical bool
	logger   *zerolog.Logger
}

// NewBudgetTracker creates a tracker with the given daily token limit.
func NewBudgetTracker(limit int64, logger *zerolog.Logger) *BudgetTracker {
	return &BudgetTracker{
		limit:  limit,
		day:    time.Now().UTC().Format(budgetDay),
		logger: logger,
	}
}

// RecordTokens adds tokens to today's count.
func (bt *BudgetTracker) RecordTokens(tokens int) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.rollover()
	bt.used += int64(tokens)

	if bt.limit <= 0 {
		return
	}

	ratio := float64(bt.used) / float64(bt.limit)

	switch {
	case !bt.critical && ratio >= BudgetThresholdCritical:
		bt.critical = true
		bt.logThreshold("critical", ratio)
	case !bt.warned && ratio >= BudgetThresholdWarning:
		bt.warned = true
		bt.logThreshold("warning", ratio)
	}
}

// GetStatus returns today's usage, the limit, and their ratio.
func (bt *BudgetTracker) GetStatus() (used, limit int64, ratio float64) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.rollover()

	used, limit = bt.used, bt.limit
	if limit > 0 {
		ratio = float64(used) / float64(limit)
	}

	return used, limit, ratio
}

// rollover resets the counter when the UTC date has changed. Caller holds
// the lock.
func (bt *BudgetTracker) rollover() {
	today := time.Now().UTC().Format(budgetDay)
	if today == bt.day {
		return
	}

	bt.used = 0
	bt.warned = false
	bt.critical = false
	bt.day = today

	if bt.logger != nil {
		bt.logger.Info().Str("date", today).Msg("daily token budget reset")
	}
}

func (bt *BudgetTracker) logThreshold(level string, ratio float64) {
	if bt.logger == nil {
		return
	}

	bt.logger.Warn().
		Str("level", level).
		Int64("used", bt.used).
		Int64("limit", bt.limit).
		Float64("ratio", ratio).
		Msg("daily token budget threshold crossed")
}

// RecordTokenUsage feeds a completed request into the budget tracker and
// the token counters.
func RecordTokenUsage(bt *BudgetTracker, provider, model string, promptTokens, completionTokens int) {
	bt.RecordTokens(promptTokens + completionTokens)

	observability.ModelTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	observability.ModelTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}
