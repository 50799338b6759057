package db

import (
	"context"
	"fmt"

	"github.com/perceptlab/percept/internal/core/domain"
)

// InsertAuditRecord appends one access record. The audit log is append-only;
// nothing updates or deletes rows inside the retention window.
func (db *DB) InsertAuditRecord(ctx context.Context, r *domain.AuditRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audit_log (user_id, accessor_id, accessor_kind, data_kind, data_id,
			access_kind, ip, purpose, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.UserID, r.AccessorID, r.AccessorKind, r.DataKind, r.DataID,
		r.AccessKind, r.IP, SanitizeUTF8(r.Purpose), r.Result)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

// ListAuditRecords returns a user's newest audit rows.
func (db *DB) ListAuditRecords(ctx context.Context, userID string, limit int) ([]*domain.AuditRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, accessor_id, accessor_kind, data_kind, data_id,
		       access_kind, ip, purpose, result, created_at
		FROM audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}

	defer rows.Close()

	var records []*domain.AuditRecord

	for rows.Next() {
		var r domain.AuditRecord

		if err := rows.Scan(&r.ID, &r.UserID, &r.AccessorID, &r.AccessorKind, &r.DataKind,
			&r.DataID, &r.AccessKind, &r.IP, &r.Purpose, &r.Result, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}

		records = append(records, &r)
	}

	return records, rows.Err()
}

// PurgeAuditBefore drops audit rows older than the retention cutoff.
func (db *DB) PurgeAuditBefore(ctx context.Context, userID string, days int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM audit_log WHERE user_id = $1 AND created_at < now() - make_interval(days => $2)
	`, userID, days)
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}

	return tag.RowsAffected(), nil
}
