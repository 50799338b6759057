package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/perceptlab/percept/internal/core/domain"
)

// GetUserProfile returns the per-user profile aggregate. Users without any
// processed events get an empty profile, not an error.
func (db *DB) GetUserProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var p domain.UserProfile

	err := db.Pool.QueryRow(ctx, `
		SELECT user_id, total_components, active_component_ids, last_updated
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.TotalComponents, &p.ActiveComponentIDs, &p.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.UserProfile{UserID: userID, ActiveComponentIDs: []string{}}, nil
		}

		return nil, fmt.Errorf("get user profile: %w", err)
	}

	return &p, nil
}

// GetProfileEpoch returns the user's profile epoch, 0 when no profile exists.
// Retriever caches are keyed on this value.
func (db *DB) GetProfileEpoch(ctx context.Context, userID string) (int64, error) {
	var epoch int64

	err := db.Pool.QueryRow(ctx,
		`SELECT epoch FROM user_profiles WHERE user_id = $1`, userID).Scan(&epoch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("get profile epoch: %w", err)
	}

	return epoch, nil
}

// DeleteUserProfile removes the aggregate and all components for a user.
// Used by the privacy hard-delete path.
func (db *DB) DeleteUserProfile(ctx context.Context, userID string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin profile delete: %w", err)
	}

	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM profile_components WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete profile components: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM user_profiles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit profile delete: %w", err)
	}

	return nil
}
