package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

// observationColumns is the scan order shared by all observation queries.
const observationColumns = `id, user_id, app_id, source, highlight, note, address, tags, access_level,
	observed_at, content_hash, enhanced_tags, recommended_highlights, topics, sentiment, complexity,
	quality_score, attention_weight, attention_metrics, influence_weight, tier,
	model_version, enrichment_degraded, enriched_at, deleted, created_at`

// SaveObservation inserts a fully enriched observation row.
func (db *DB) SaveObservation(ctx context.Context, o *domain.Observation) error {
	metrics, err := json.Marshal(o.Attention)
	if err != nil {
		return fmt.Errorf("marshal attention metrics: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO observations (
			id, user_id, app_id, source, highlight, note, address, tags, access_level,
			observed_at, content_hash, enhanced_tags, recommended_highlights, topics,
			sentiment, complexity, quality_score, attention_weight, attention_metrics,
			influence_weight, tier, model_version, enrichment_degraded, enriched_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24
		)
	`,
		toUUID(o.ID), o.UserID, o.AppID, SanitizeUTF8(o.Source), SanitizeUTF8(o.Highlight),
		SanitizeUTF8(o.Note), SanitizeUTF8(o.Address), sanitizeAll(o.Tags), string(o.Access),
		toTimestamptz(o.Timestamp), o.ContentHash, sanitizeAll(o.EnhancedTags),
		sanitizeAll(o.RecommendedHighlights), sanitizeAll(o.Semantics.Topics),
		string(o.Semantics.Sentiment), string(o.Semantics.Complexity),
		o.QualityScore, o.AttentionWeight, metrics,
		o.InfluenceWeight, string(o.Tier), o.Processing.ModelVersion,
		o.Processing.EnrichmentDegraded, toTimestamptz(o.Processing.EnrichedAt),
	)
	if err != nil {
		return fmt.Errorf("save observation: %w", err)
	}

	return nil
}

// GetObservation returns one observation by id, including soft-deleted rows;
// callers decide whether deleted rows are visible.
func (db *DB) GetObservation(ctx context.Context, id string) (*domain.Observation, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = $1`, toUUID(id))

	o, err := scanObservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get observation %s: %w", id, perrors.ErrNotFound)
		}

		return nil, fmt.Errorf("get observation: %w", err)
	}

	return o, nil
}

// ListObservationsByIDs fetches live observations for the given ids. Missing
// and soft-deleted ids are silently absent from the result.
func (db *DB) ListObservationsByIDs(ctx context.Context, ids []string) ([]*domain.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT `+observationColumns+` FROM observations
		 WHERE id = ANY($1::uuid[]) AND NOT deleted`, ids)
	if err != nil {
		return nil, fmt.Errorf("list observations by ids: %w", err)
	}

	return collectObservations(rows)
}

// FindIdempotentDuplicate returns the id of a live observation with the same
// content hash submitted by the user after since, or "" when none exists.
func (db *DB) FindIdempotentDuplicate(ctx context.Context, userID, contentHash string, since time.Time) (string, error) {
	var id string

	err := db.Pool.QueryRow(ctx, `
		SELECT id FROM observations
		WHERE user_id = $1 AND content_hash = $2 AND created_at > $3 AND NOT deleted
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, contentHash, since).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}

		return "", fmt.Errorf("find idempotent duplicate: %w", err)
	}

	return id, nil
}

// UpdateObservationScores re-scores an observation. Content fields stay
// immutable; only the computed weights and tier may change.
func (db *DB) UpdateObservationScores(ctx context.Context, id string, attention, quality, influence float32, tier domain.Tier) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE observations
		SET attention_weight = $2, quality_score = $3, influence_weight = $4, tier = $5, updated_at = now()
		WHERE id = $1 AND NOT deleted
	`, toUUID(id), attention, quality, influence, string(tier))
	if err != nil {
		return fmt.Errorf("update observation scores: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update observation scores %s: %w", id, perrors.ErrNotFound)
	}

	return nil
}

// UpdateObservationTier moves an observation to tier.
func (db *DB) UpdateObservationTier(ctx context.Context, id string, tier domain.Tier) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE observations SET tier = $2, updated_at = now() WHERE id = $1 AND NOT deleted
	`, toUUID(id), string(tier))
	if err != nil {
		return fmt.Errorf("update observation tier: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update observation tier %s: %w", id, perrors.ErrNotFound)
	}

	return nil
}

// SoftDeleteObservation marks an observation deleted. The row survives for
// the audit window; the retention job hard-deletes it later.
func (db *DB) SoftDeleteObservation(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE observations SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT deleted
	`, toUUID(id))
	if err != nil {
		return fmt.Errorf("soft delete observation: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("soft delete observation %s: %w", id, perrors.ErrNotFound)
	}

	return nil
}

// SearchComposite ranks a user's live observations by influence decayed by
// age and applies the query filters. This is the composite index backing
// retrieval fusion.
func (db *DB) SearchComposite(ctx context.Context, userID string, f domain.QueryFilters, limit int) ([]*domain.Observation, error) {
	var sb strings.Builder

	sb.WriteString(`SELECT ` + observationColumns + ` FROM observations WHERE user_id = $1 AND NOT deleted`)

	args := []any{userID}

	if f.MinInfluenceWeight > 0 {
		args = append(args, f.MinInfluenceWeight)
		fmt.Fprintf(&sb, " AND influence_weight >= $%d", len(args))
	}

	if f.MinQualityScore > 0 {
		args = append(args, f.MinQualityScore)
		fmt.Fprintf(&sb, " AND quality_score >= $%d", len(args))
	}

	if len(f.Tiers) > 0 {
		tiers := make([]string, len(f.Tiers))
		for i, t := range f.Tiers {
			tiers[i] = string(t)
		}

		args = append(args, tiers)
		fmt.Fprintf(&sb, " AND tier = ANY($%d)", len(args))
	}

	if len(f.Sources) > 0 {
		args = append(args, f.Sources)
		fmt.Fprintf(&sb, " AND source = ANY($%d)", len(args))
	}

	if len(f.RequiredTags) > 0 {
		args = append(args, f.RequiredTags)
		fmt.Fprintf(&sb, " AND (tags || enhanced_tags) @> $%d", len(args))
	}

	if len(f.ExcludedTags) > 0 {
		args = append(args, f.ExcludedTags)
		fmt.Fprintf(&sb, " AND NOT ((tags || enhanced_tags) && $%d)", len(args))
	}

	args = append(args, limit)
	fmt.Fprintf(&sb, `
		ORDER BY influence_weight * POWER(0.95, GREATEST(EXTRACT(EPOCH FROM (now() - observed_at)) / 86400.0, 0)) DESC, id
		LIMIT $%d`, len(args))

	rows, err := db.Pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search composite: %w", err)
	}

	return collectObservations(rows)
}

// ListRecentObservations returns the user's newest live observations since
// the cutoff, newest first.
func (db *DB) ListRecentObservations(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Observation, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE user_id = $1 AND observed_at > $2 AND NOT deleted
		ORDER BY observed_at DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent observations: %w", err)
	}

	return collectObservations(rows)
}

// ListTierMismatches returns live observations whose stored tier no longer
// matches the tier their age and influence weight demand. The CASE mirrors
// domain.DetermineTier.
func (db *DB) ListTierMismatches(ctx context.Context, limit int) ([]*domain.Observation, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE NOT deleted AND tier != CASE
			WHEN now() - observed_at < INTERVAL '7 days' AND influence_weight >= 0.7 THEN 'hot'
			WHEN now() - observed_at < INTERVAL '30 days' AND influence_weight >= 0.3 THEN 'warm'
			ELSE 'cold'
		END
		ORDER BY observed_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tier mismatches: %w", err)
	}

	return collectObservations(rows)
}

// ListUserObservations pages through all of a user's live observations in
// stable id order. Pass afterID = "" for the first page.
func (db *DB) ListUserObservations(ctx context.Context, userID, afterID string, limit int) ([]*domain.Observation, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if afterID == "" {
		rows, err = db.Pool.Query(ctx, `
			SELECT `+observationColumns+` FROM observations
			WHERE user_id = $1 AND NOT deleted
			ORDER BY id
			LIMIT $2
		`, userID, limit)
	} else {
		rows, err = db.Pool.Query(ctx, `
			SELECT `+observationColumns+` FROM observations
			WHERE user_id = $1 AND NOT deleted AND id > $2
			ORDER BY id
			LIMIT $3
		`, userID, toUUID(afterID), limit)
	}

	if err != nil {
		return nil, fmt.Errorf("list user observations: %w", err)
	}

	return collectObservations(rows)
}

// CountObservations counts a user's live observations.
func (db *DB) CountObservations(ctx context.Context, userID string) (int64, error) {
	var n int64

	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM observations WHERE user_id = $1 AND NOT deleted`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}

	return n, nil
}

// HardDeleteObservations permanently removes a user's observations observed
// before the cutoff, plus soft-deleted rows whose audit window has passed.
// Returns the ids removed so callers can purge the other tiers and indexes.
func (db *DB) HardDeleteObservations(ctx context.Context, userID string, before time.Time) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		DELETE FROM observations
		WHERE user_id = $1 AND (observed_at < $2 OR (deleted AND deleted_at < $2))
		RETURNING id
	`, userID, before)
	if err != nil {
		return nil, fmt.Errorf("hard delete observations: %w", err)
	}

	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// DeleteObservationRow hard-deletes a single observation row. Only the
// write rollback path uses this; everything user-facing soft-deletes.
func (db *DB) DeleteObservationRow(ctx context.Context, id string) error {
	if _, err := db.Pool.Exec(ctx,
		`DELETE FROM observations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete observation row: %w", err)
	}

	return nil
}

// DeleteAllUserObservations removes every observation for a user. Used by
// the privacy hard-delete path.
func (db *DB) DeleteAllUserObservations(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`DELETE FROM observations WHERE user_id = $1 RETURNING id`, userID)
	if err != nil {
		return nil, fmt.Errorf("delete all user observations: %w", err)
	}

	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ListActiveUsers returns the distinct user ids with at least one live
// observation. Maintenance jobs iterate this set.
func (db *DB) ListActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT DISTINCT user_id FROM observations WHERE NOT deleted ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}

	defer rows.Close()

	var users []string

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}

		users = append(users, u)
	}

	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*domain.Observation, error) {
	var (
		o          domain.Observation
		observedAt time.Time
		enrichedAt pgtype.Timestamptz
		createdAt  time.Time
		metrics    []byte
		access     string
		sentiment  string
		complexity string
		tier       string
	)

	err := row.Scan(
		&o.ID, &o.UserID, &o.AppID, &o.Source, &o.Highlight, &o.Note, &o.Address, &o.Tags, &access,
		&observedAt, &o.ContentHash, &o.EnhancedTags, &o.RecommendedHighlights, &o.Semantics.Topics,
		&sentiment, &complexity, &o.QualityScore, &o.AttentionWeight, &metrics, &o.InfluenceWeight,
		&tier, &o.Processing.ModelVersion, &o.Processing.EnrichmentDegraded, &enrichedAt,
		&o.Deleted, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &o.Attention); err != nil {
			return nil, fmt.Errorf("unmarshal attention metrics: %w", err)
		}
	}

	o.Access = domain.Access(access)
	o.Semantics.Sentiment = domain.Sentiment(sentiment)
	o.Semantics.Complexity = domain.Complexity(complexity)
	o.Tier = domain.Tier(tier)
	o.Timestamp = observedAt
	o.Processing.EnrichedAt = fromTimestamptz(enrichedAt)
	o.CreatedAt = createdAt

	return &o, nil
}

func collectObservations(rows pgx.Rows) ([]*domain.Observation, error) {
	defer rows.Close()

	var out []*domain.Observation

	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}

		out = append(out, o)
	}

	return out, rows.Err()
}
