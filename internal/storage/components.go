package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

const componentColumns = `id, user_id, component_type, description, embedding::text, confidence,
	total_attention_weight, normalized_weight, priority, activation_threshold,
	supporting_evidence, below_floor_since, created_at, last_updated, last_activated`

// GetProfileComponents returns all of a user's profile components ordered by
// descending normalized weight with a stable id tie-break.
func (db *DB) GetProfileComponents(ctx context.Context, userID string) ([]*domain.ProfileComponent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+componentColumns+` FROM profile_components
		WHERE user_id = $1
		ORDER BY normalized_weight DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get profile components: %w", err)
	}

	defer rows.Close()

	var components []*domain.ProfileComponent

	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile component: %w", err)
		}

		components = append(components, c)
	}

	return components, rows.Err()
}

// GetProfileComponent returns one component by id.
func (db *DB) GetProfileComponent(ctx context.Context, id string) (*domain.ProfileComponent, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+componentColumns+` FROM profile_components WHERE id = $1`, toUUID(id))

	c, err := scanComponent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get profile component %s: %w", id, perrors.ErrNotFound)
		}

		return nil, fmt.Errorf("get profile component: %w", err)
	}

	return c, nil
}

// ApplyProfileUpdate persists one profile engine pass atomically: upserts the
// changed components, removes the evicted ones, and refreshes the profile
// aggregate. The profile epoch increments exactly once per call; retriever
// caches key on it. Returns the new epoch.
func (db *DB) ApplyProfileUpdate(ctx context.Context, userID string, upserts []*domain.ProfileComponent, evictIDs, activeIDs []string) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin profile update: %w", err)
	}

	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	for _, c := range upserts {
		if err := upsertComponent(ctx, tx, c); err != nil {
			return 0, err
		}
	}

	if len(evictIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM profile_components WHERE id = ANY($1::uuid[])`, evictIDs); err != nil {
			return 0, fmt.Errorf("evict profile components: %w", err)
		}
	}

	if activeIDs == nil {
		activeIDs = []string{}
	}

	var epoch int64

	err = tx.QueryRow(ctx, `
		INSERT INTO user_profiles (user_id, total_components, active_component_ids, epoch, last_updated)
		VALUES ($1, (SELECT COUNT(*) FROM profile_components WHERE user_id = $1), $2, 1, now())
		ON CONFLICT (user_id) DO UPDATE SET
			total_components = EXCLUDED.total_components,
			active_component_ids = EXCLUDED.active_component_ids,
			epoch = user_profiles.epoch + 1,
			last_updated = now()
		RETURNING epoch
	`, userID, activeIDs).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("update user profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit profile update: %w", err)
	}

	return epoch, nil
}

func upsertComponent(ctx context.Context, tx pgx.Tx, c *domain.ProfileComponent) error {
	evidence, err := json.Marshal(c.SupportingEvidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	var embedding any
	if len(c.Embedding) > 0 {
		embedding = pgvector.NewVector(c.Embedding)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO profile_components (
			id, user_id, component_type, description, embedding, confidence,
			total_attention_weight, normalized_weight, priority, activation_threshold,
			supporting_evidence, below_floor_since, created_at, last_updated, last_activated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			embedding = EXCLUDED.embedding,
			confidence = EXCLUDED.confidence,
			total_attention_weight = EXCLUDED.total_attention_weight,
			normalized_weight = EXCLUDED.normalized_weight,
			priority = EXCLUDED.priority,
			activation_threshold = EXCLUDED.activation_threshold,
			supporting_evidence = EXCLUDED.supporting_evidence,
			below_floor_since = EXCLUDED.below_floor_since,
			last_updated = EXCLUDED.last_updated,
			last_activated = EXCLUDED.last_activated
	`,
		toUUID(c.ID), c.UserID, string(c.Type), SanitizeUTF8(c.Description), embedding,
		c.Confidence, c.TotalAttentionWeight, c.NormalizedWeight, string(c.Priority),
		c.ActivationThreshold, evidence, toTimestamptz(c.BelowFloorSince),
		toTimestamptz(c.CreatedAt), toTimestamptz(c.LastUpdated), toTimestamptz(c.LastActivated),
	)
	if err != nil {
		return fmt.Errorf("upsert profile component: %w", err)
	}

	return nil
}

type componentScanner interface {
	Scan(dest ...any) error
}

func scanComponent(row componentScanner) (*domain.ProfileComponent, error) {
	var (
		c             domain.ProfileComponent
		componentType string
		priority      string
		embeddingText pgtype.Text
		evidence      []byte
		belowFloor    pgtype.Timestamptz
	)

	err := row.Scan(
		&c.ID, &c.UserID, &componentType, &c.Description, &embeddingText, &c.Confidence,
		&c.TotalAttentionWeight, &c.NormalizedWeight, &priority, &c.ActivationThreshold,
		&evidence, &belowFloor, &c.CreatedAt, &c.LastUpdated, &c.LastActivated,
	)
	if err != nil {
		return nil, err
	}

	if embeddingText.Valid && embeddingText.String != "" {
		var v pgvector.Vector
		if err := v.Parse(embeddingText.String); err != nil {
			return nil, fmt.Errorf("parse component embedding: %w", err)
		}

		c.Embedding = v.Slice()
	}

	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &c.SupportingEvidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}

	c.Type = domain.ComponentType(componentType)
	c.Priority = domain.Priority(priority)
	c.BelowFloorSince = fromTimestamptz(belowFloor)

	return &c, nil
}
