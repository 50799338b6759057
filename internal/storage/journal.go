package db

import (
	"context"
	"fmt"
	"time"
)

// Journal operations.
const (
	JournalOpPut    = "put"
	JournalOpUpdate = "update"
	JournalOpDelete = "delete"
)

// Index names recorded in journal entries.
const (
	IndexHot       = "hot"
	IndexVector    = "vector"
	IndexFullText  = "fulltext"
	IndexComposite = "composite"
)

// JournalEntry is one write-ahead record for index maintenance. A put is
// journaled before any index write and committed after all of them, so the
// recovery worker can roll half-applied writes forward.
type JournalEntry struct {
	ID            int64
	ObservationID string
	UserID        string
	Op            string
	Indexes       []string
	CreatedAt     time.Time
}

// AppendJournal writes a pending journal entry and returns its id.
func (db *DB) AppendJournal(ctx context.Context, observationID, userID, op string, indexes []string) (int64, error) {
	var id int64

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO index_journal (observation_id, user_id, op, indexes)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, toUUID(observationID), userID, op, indexes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}

	return id, nil
}

// MarkJournalCommitted finalizes an entry after every index write landed.
func (db *DB) MarkJournalCommitted(ctx context.Context, id int64) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE index_journal SET status = 'committed', committed_at = now() WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("mark journal committed: %w", err)
	}

	return nil
}

// DeleteJournal removes an entry whose write was rolled back.
func (db *DB) DeleteJournal(ctx context.Context, id int64) error {
	if _, err := db.Pool.Exec(ctx,
		`DELETE FROM index_journal WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete journal: %w", err)
	}

	return nil
}

// ListPendingJournal returns pending entries older than age. Fresh entries
// belong to writes still in flight and are left alone.
func (db *DB) ListPendingJournal(ctx context.Context, age time.Duration, limit int) ([]*JournalEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, observation_id, user_id, op, indexes, created_at
		FROM index_journal
		WHERE status = 'pending' AND created_at < now() - $1::interval
		ORDER BY created_at
		LIMIT $2
	`, age, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending journal: %w", err)
	}

	defer rows.Close()

	var entries []*JournalEntry

	for rows.Next() {
		var e JournalEntry

		if err := rows.Scan(&e.ID, &e.ObservationID, &e.UserID, &e.Op, &e.Indexes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}

		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// CountPendingJournal returns the pending entry count for the gauge.
func (db *DB) CountPendingJournal(ctx context.Context) (int64, error) {
	var n int64

	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM index_journal WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending journal: %w", err)
	}

	return n, nil
}

// PurgeCommittedJournal drops committed entries older than the cutoff.
func (db *DB) PurgeCommittedJournal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM index_journal WHERE status = 'committed' AND committed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge committed journal: %w", err)
	}

	return tag.RowsAffected(), nil
}
