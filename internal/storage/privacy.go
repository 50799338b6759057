package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/perceptlab/percept/internal/core/domain"
)

// GetPrivacyPreferences returns the user's saved preferences, or the
// balanced defaults when the user never saved any.
func (db *DB) GetPrivacyPreferences(ctx context.Context, userID string) (*domain.PrivacyPreferences, error) {
	var (
		p      domain.PrivacyPreferences
		policy string
	)

	err := db.Pool.QueryRow(ctx, `
		SELECT user_id, policy_level, data_sharing_consent, analytics_consent,
		       personalization_consent, external_consent, retention_days,
		       allowed_apps, blocked_apps, updated_at
		FROM privacy_preferences WHERE user_id = $1
	`, userID).Scan(&p.UserID, &policy, &p.DataSharingConsent, &p.AnalyticsConsent,
		&p.PersonalizationConsent, &p.ExternalConsent, &p.RetentionDays,
		&p.AllowedApps, &p.BlockedApps, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			defaults := domain.DefaultPrivacyPreferences(userID)
			return &defaults, nil
		}

		return nil, fmt.Errorf("get privacy preferences: %w", err)
	}

	p.PolicyLevel = domain.PolicyLevel(policy)

	return &p, nil
}

// SavePrivacyPreferences upserts the user's preferences.
func (db *DB) SavePrivacyPreferences(ctx context.Context, p *domain.PrivacyPreferences) error {
	allowed := p.AllowedApps
	if allowed == nil {
		allowed = []string{}
	}

	blocked := p.BlockedApps
	if blocked == nil {
		blocked = []string{}
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO privacy_preferences (user_id, policy_level, data_sharing_consent,
			analytics_consent, personalization_consent, external_consent,
			retention_days, allowed_apps, blocked_apps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (user_id) DO UPDATE SET
			policy_level = EXCLUDED.policy_level,
			data_sharing_consent = EXCLUDED.data_sharing_consent,
			analytics_consent = EXCLUDED.analytics_consent,
			personalization_consent = EXCLUDED.personalization_consent,
			external_consent = EXCLUDED.external_consent,
			retention_days = EXCLUDED.retention_days,
			allowed_apps = EXCLUDED.allowed_apps,
			blocked_apps = EXCLUDED.blocked_apps,
			updated_at = now()
	`, p.UserID, string(p.PolicyLevel), p.DataSharingConsent, p.AnalyticsConsent,
		p.PersonalizationConsent, p.ExternalConsent, p.RetentionDays, allowed, blocked)
	if err != nil {
		return fmt.Errorf("save privacy preferences: %w", err)
	}

	return nil
}

// DeletePrivacyPreferences removes a user's preferences row. Part of the
// privacy hard-delete path.
func (db *DB) DeletePrivacyPreferences(ctx context.Context, userID string) error {
	if _, err := db.Pool.Exec(ctx,
		`DELETE FROM privacy_preferences WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete privacy preferences: %w", err)
	}

	return nil
}

// RetentionDaysByUser returns saved retention overrides keyed by user id.
// Users without a row use the configured default.
func (db *DB) RetentionDaysByUser(ctx context.Context) (map[string]int, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT user_id, retention_days FROM privacy_preferences`)
	if err != nil {
		return nil, fmt.Errorf("retention days by user: %w", err)
	}

	defer rows.Close()

	out := make(map[string]int)

	for rows.Next() {
		var (
			userID string
			days   int
		)

		if err := rows.Scan(&userID, &days); err != nil {
			return nil, fmt.Errorf("scan retention days: %w", err)
		}

		out[userID] = days
	}

	return out, rows.Err()
}
