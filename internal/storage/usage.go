package db

import (
	"context"
	"fmt"
	"time"

	"github.com/perceptlab/percept/internal/core/domain"
)

// UsageSummary provides aggregated model usage statistics.
type UsageSummary struct {
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TotalRequests         int64
	TotalFailed           int64
	TotalCostUSD          float64
	ByProvider            map[string]ProviderUsage
	ByApp                 map[string]AppUsage
}

// ProviderUsage holds usage for a single provider.
type ProviderUsage struct {
	Provider         string
	PromptTokens     int64
	CompletionTokens int64
	RequestCount     int64
	FailedCount      int64
	CostUSD          float64
}

// AppUsage holds usage for a single app.
type AppUsage struct {
	AppID            string
	PromptTokens     int64
	CompletionTokens int64
	RequestCount     int64
	FailedCount      int64
	CostUSD          float64
}

// IncrementModelUsage increments the usage ledger for the current day. A
// failed request records zero tokens and cost but still counts.
func (db *DB) IncrementModelUsage(ctx context.Context, userID, appID, provider, model string, promptTokens, completionTokens int, cost float64, failed bool) error {
	failedInc := 0
	if failed {
		failedInc = 1
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO model_usage (usage_date, user_id, app_id, provider, model,
			prompt_tokens, completion_tokens, request_count, failed_count, cost_usd)
		VALUES (CURRENT_DATE, $1, $2, $3, $4, $5, $6, 1, $7, $8)
		ON CONFLICT (usage_date, user_id, app_id, provider, model)
		DO UPDATE SET
			prompt_tokens = model_usage.prompt_tokens + EXCLUDED.prompt_tokens,
			completion_tokens = model_usage.completion_tokens + EXCLUDED.completion_tokens,
			request_count = model_usage.request_count + 1,
			failed_count = model_usage.failed_count + EXCLUDED.failed_count,
			cost_usd = model_usage.cost_usd + EXCLUDED.cost_usd,
			updated_at = now()
	`, userID, appID, provider, model, promptTokens, completionTokens, failedInc, cost)
	if err != nil {
		return fmt.Errorf("increment model usage: %w", err)
	}

	return nil
}

// PruneModelUsage deletes per-day usage rows older than the cutoff. Rows are
// only aggregates, so the loss is bounded to summaries past the cutoff.
func (db *DB) PruneModelUsage(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM model_usage WHERE usage_date < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune model usage: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// GetDailyUsage returns a user's usage for the current day.
func (db *DB) GetDailyUsage(ctx context.Context, userID string) (*UsageSummary, error) {
	return db.getUsageSince(ctx, userID, "usage_date = CURRENT_DATE")
}

// GetMonthlyUsage returns a user's usage for the current month.
func (db *DB) GetMonthlyUsage(ctx context.Context, userID string) (*UsageSummary, error) {
	return db.getUsageSince(ctx, userID, "usage_date >= DATE_TRUNC('month', CURRENT_DATE)")
}

// getUsageSince fetches and aggregates a user's usage.
func (db *DB) getUsageSince(ctx context.Context, userID, whereClause string) (*UsageSummary, error) {
	query := fmt.Sprintf(`
		SELECT app_id, provider,
			   COALESCE(SUM(prompt_tokens), 0)::bigint,
			   COALESCE(SUM(completion_tokens), 0)::bigint,
			   COALESCE(SUM(request_count), 0)::bigint,
			   COALESCE(SUM(failed_count), 0)::bigint,
			   COALESCE(SUM(cost_usd), 0)::double precision
		FROM model_usage
		WHERE user_id = $1 AND %s
		GROUP BY app_id, provider
	`, whereClause)

	rows, err := db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("get model usage: %w", err)
	}
	defer rows.Close()

	summary := &UsageSummary{
		ByProvider: make(map[string]ProviderUsage),
		ByApp:      make(map[string]AppUsage),
	}

	for rows.Next() {
		var (
			appID            string
			provider         string
			promptTokens     int64
			completionTokens int64
			requestCount     int64
			failedCount      int64
			costUSD          float64
		)

		if err := rows.Scan(&appID, &provider, &promptTokens, &completionTokens, &requestCount, &failedCount, &costUSD); err != nil {
			return nil, fmt.Errorf("scan model usage row: %w", err)
		}

		summary.TotalPromptTokens += promptTokens
		summary.TotalCompletionTokens += completionTokens
		summary.TotalRequests += requestCount
		summary.TotalFailed += failedCount
		summary.TotalCostUSD += costUSD

		provUsage := summary.ByProvider[provider]
		provUsage.Provider = provider
		provUsage.PromptTokens += promptTokens
		provUsage.CompletionTokens += completionTokens
		provUsage.RequestCount += requestCount
		provUsage.FailedCount += failedCount
		provUsage.CostUSD += costUSD
		summary.ByProvider[provider] = provUsage

		appUsage := summary.ByApp[appID]
		appUsage.AppID = appID
		appUsage.PromptTokens += promptTokens
		appUsage.CompletionTokens += completionTokens
		appUsage.RequestCount += requestCount
		appUsage.FailedCount += failedCount
		appUsage.CostUSD += costUSD
		summary.ByApp[appID] = appUsage
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate model usage rows: %w", rows.Err())
	}

	return summary, nil
}

// GetUsageDetails returns a user's per-day usage rows since the given date.
func (db *DB) GetUsageDetails(ctx context.Context, userID string, since time.Time) ([]domain.UsageRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT usage_date::text, user_id, app_id, provider, model,
			   prompt_tokens, completion_tokens, request_count, failed_count, cost_usd
		FROM model_usage
		WHERE user_id = $1 AND usage_date >= $2
		ORDER BY usage_date DESC, app_id, provider, model
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("get usage details: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord

	for rows.Next() {
		var r domain.UsageRecord

		if err := rows.Scan(&r.Date, &r.UserID, &r.AppID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.RequestCount, &r.FailedCount, &r.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage detail row: %w", err)
		}

		records = append(records, r)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate usage detail rows: %w", rows.Err())
	}

	return records, nil
}

// TokensUsedToday returns total tokens consumed across all users today. The
// daily budget tracker seeds itself from this on startup.
func (db *DB) TokensUsedToday(ctx context.Context) (int64, error) {
	var n int64

	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(prompt_tokens + completion_tokens), 0)::bigint
		FROM model_usage WHERE usage_date = CURRENT_DATE
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("tokens used today: %w", err)
	}

	return n, nil
}
