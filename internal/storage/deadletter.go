package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perceptlab/percept/internal/core/domain"
)

// DeadLetter is an observation that exhausted its write retries. It is kept
// out of every index and surfaced through the admin CLI instead of being
// silently dropped.
type DeadLetter struct {
	ObservationID string
	UserID        string
	Observation   *domain.Observation
	Failure       string
	Attempts      int
}

// InsertDeadLetter parks a failed observation with its full payload so it
// can be requeued after the underlying fault is fixed.
func (db *DB) InsertDeadLetter(ctx context.Context, o *domain.Observation, failure string, attempts int) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO observation_dead_letter (observation_id, user_id, payload, failure, attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (observation_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			failure = EXCLUDED.failure,
			attempts = observation_dead_letter.attempts + EXCLUDED.attempts
	`, toUUID(o.ID), o.UserID, payload, SanitizeUTF8(failure), attempts)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

// ListDeadLetters returns parked observations, oldest first.
func (db *DB) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT observation_id, user_id, payload, failure, attempts
		FROM observation_dead_letter
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	defer rows.Close()

	var letters []*DeadLetter

	for rows.Next() {
		var (
			dl      DeadLetter
			payload []byte
		)

		if err := rows.Scan(&dl.ObservationID, &dl.UserID, &payload, &dl.Failure, &dl.Attempts); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}

		var o domain.Observation
		if err := json.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter payload: %w", err)
		}

		dl.Observation = &o
		letters = append(letters, &dl)
	}

	return letters, rows.Err()
}

// DeleteDeadLetter removes a parked observation after a successful requeue.
func (db *DB) DeleteDeadLetter(ctx context.Context, observationID string) error {
	if _, err := db.Pool.Exec(ctx,
		`DELETE FROM observation_dead_letter WHERE observation_id = $1`, toUUID(observationID)); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}

	return nil
}

// CountDeadLetters returns the parked observation count.
func (db *DB) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64

	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM observation_dead_letter`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}

	return n, nil
}
