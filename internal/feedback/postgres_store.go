package feedback

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists feedback in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed feedback store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auditor_feedback (id, canonical_vendor_id, transaction_id, action, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.CanonicalVendorID, e.TransactionID, string(e.Action), e.Reason, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) Counts(ctx context.Context, vendor string) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE action = 'dismiss'),
			COUNT(*) FILTER (WHERE action = 'escalate')
		FROM auditor_feedback
		WHERE canonical_vendor_id = $1
	`, vendor).Scan(&c.Dismiss, &c.Escalate)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count feedback: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) List(ctx context.Context, vendor string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_vendor_id, transaction_id, action, reason, created_at
		FROM auditor_feedback
		WHERE canonical_vendor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, vendor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &e.CanonicalVendorID, &e.TransactionID, &action, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		e.Action = Action(action)
		out = append(out, &e)
	}
	return out, rows.Err()
}
