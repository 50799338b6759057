package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Profile event kinds.
const (
	EventObservationCreated = "observation_created"
	EventObservationDeleted = "observation_deleted"
)

const uniqueViolation = "23505"

// maxEventAttempts bounds redelivery before an event is parked as failed.
const maxEventAttempts = 5

// ProfileEvent is one queued profile update. Events for a user apply in seq
// order; the queue guarantees a single consumer per user at a time.
type ProfileEvent struct {
	ID              int64
	UserID          string
	Seq             int64
	Kind            string
	ObservationID   string
	AttentionWeight float32
	Attempts        int
}

// EnqueueProfileEvent appends an event with the next per-user seq. Concurrent
// inserts for one user can race on the seq; the unique index rejects the
// loser and we retry.
func (db *DB) EnqueueProfileEvent(ctx context.Context, userID, observationID, kind string, attentionWeight float32) error {
	const maxSeqRetries = 3

	var err error

	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		_, err = db.Pool.Exec(ctx, `
			INSERT INTO profile_events (user_id, seq, kind, observation_id, attention_weight)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
			FROM profile_events WHERE user_id = $1
		`, userID, kind, toUUID(observationID), attentionWeight)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			return fmt.Errorf("enqueue profile event: %w", err)
		}
	}

	return fmt.Errorf("enqueue profile event: %w", err)
}

// ClaimPendingEvents atomically claims up to limit pending events, oldest seq
// first, skipping users that already have a claimed batch in flight. The
// claim is the redelivery unit: events stay claimed until marked processed
// or failed, and stale claims are released by ReleaseStaleClaims.
func (db *DB) ClaimPendingEvents(ctx context.Context, limit int) ([]*ProfileEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE profile_events SET status = 'processing', attempts = attempts + 1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM profile_events
			WHERE status = 'pending'
			  AND user_id NOT IN (SELECT user_id FROM profile_events WHERE status = 'processing')
			ORDER BY user_id, seq
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, user_id, seq, kind, observation_id, attention_weight, attempts
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}

	defer rows.Close()

	var events []*ProfileEvent

	for rows.Next() {
		var e ProfileEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Seq, &e.Kind, &e.ObservationID, &e.AttentionWeight, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan profile event: %w", err)
		}

		events = append(events, &e)
	}

	return events, rows.Err()
}

// MarkEventsProcessed finalizes successfully applied events.
func (db *DB) MarkEventsProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE profile_events SET status = 'processed', processed_at = now()
		WHERE id = ANY($1)
	`, ids); err != nil {
		return fmt.Errorf("mark events processed: %w", err)
	}

	return nil
}

// MarkEventsFailed records the failure and either requeues the events or,
// past the attempt budget, parks them as failed.
func (db *DB) MarkEventsFailed(ctx context.Context, ids []int64, cause string) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE profile_events
		SET status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    last_error = $2, claimed_at = NULL
		WHERE id = ANY($1)
	`, ids, SanitizeUTF8(cause), maxEventAttempts); err != nil {
		return fmt.Errorf("mark events failed: %w", err)
	}

	return nil
}

// ReleaseStaleClaims requeues events whose consumer died mid-batch.
func (db *DB) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE profile_events SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < now() - $1::interval
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}

	return tag.RowsAffected(), nil
}

// PendingEventCount returns the queue backlog for the gauge.
func (db *DB) PendingEventCount(ctx context.Context) (int64, error) {
	var n int64

	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM profile_events WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending event count: %w", err)
	}

	return n, nil
}

// PurgeProcessedEvents drops processed events older than the cutoff.
func (db *DB) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM profile_events WHERE status = 'processed' AND processed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}

	return tag.RowsAffected(), nil
}
