package db

import (
	"context"
	"fmt"
	"time"
)

// RecordAccess appends one read event for an observation. The promotion rule
// and the composer's frequency factor both count these rows.
func (db *DB) RecordAccess(ctx context.Context, observationID, userID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO observation_access (observation_id, user_id) VALUES ($1, $2)
	`, toUUID(observationID), userID)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}

	return nil
}

// CountAccessSince counts reads of one observation after since.
func (db *DB) CountAccessSince(ctx context.Context, observationID string, since time.Time) (int, error) {
	var n int

	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM observation_access WHERE observation_id = $1 AND accessed_at > $2
	`, toUUID(observationID), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count access since: %w", err)
	}

	return n, nil
}

// AccessCountsByUser returns per-observation read counts for a user after
// since.
func (db *DB) AccessCountsByUser(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT observation_id, COUNT(*)
		FROM observation_access
		WHERE user_id = $1 AND accessed_at > $2
		GROUP BY observation_id
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("access counts by user: %w", err)
	}

	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			id string
			n  int
		)

		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan access count: %w", err)
		}

		counts[id] = n
	}

	return counts, rows.Err()
}

// PurgeAccessBefore drops access rows older than the cutoff. Counters only
// feed windowed rules, so old rows are dead weight.
func (db *DB) PurgeAccessBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM observation_access WHERE accessed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge access: %w", err)
	}

	return tag.RowsAffected(), nil
}
