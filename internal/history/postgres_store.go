package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/auditrisk/internal/txn"
)

// PostgresStore persists scored transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Record inserts rows in one transaction; existing ids are left untouched.
func (s *PostgresStore) Record(ctx context.Context, scored ...*txn.ScoredTransaction) error {
	if len(scored) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scored_transactions (
			id, amount, occurred_at, department_id, vendor_id, canonical_vendor,
			vendor_category, project_id, description, risk_score, risk_level,
			explanation, signals, flags, skipped_detectors, degraded,
			feedback_adjustment, recency_boost
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, st := range scored {
		explanation, err := json.Marshal(st.Explanation)
		if err != nil {
			return fmt.Errorf("failed to marshal explanation: %w", err)
		}
		signals, err := json.Marshal(st.Signals)
		if err != nil {
			return fmt.Errorf("failed to marshal signals: %w", err)
		}
		flags := make([]string, len(st.Flags))
		for i, f := range st.Flags {
			flags[i] = string(f)
		}
		_, err = stmt.ExecContext(ctx,
			st.ID, st.Amount, st.Timestamp, st.DepartmentID, st.VendorID, st.CanonicalVendor,
			st.VendorCategory, st.ProjectID, st.Description, st.RiskScore, string(st.RiskLevel),
			explanation, signals, pq.Array(flags), pq.Array(st.SkippedDetectors), st.Degraded,
			st.FeedbackAdjustment, st.RecencyBoost,
		)
		if err != nil {
			return fmt.Errorf("failed to record scored transaction %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*txn.ScoredTransaction, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Vendor != "" {
		add("canonical_vendor = $%d", q.Vendor)
	}
	if q.Department != "" {
		add("department_id = $%d", q.Department)
	}
	if q.Project != "" {
		add("project_id = $%d", q.Project)
	}
	if q.Amount != nil {
		add("amount = $%d", *q.Amount)
	}
	if q.MinScore != nil {
		add("risk_score > $%d", *q.MinScore)
	}
	if !q.Since.IsZero() {
		add("occurred_at >= $%d", q.Since)
	}
	if !q.Before.IsZero() {
		add("occurred_at < $%d", q.Before)
	}
	if q.ExcludeID != "" {
		add("id <> $%d", q.ExcludeID)
	}

	query := `
		SELECT id, amount, occurred_at, department_id, vendor_id, canonical_vendor,
			vendor_category, project_id, description, risk_score, risk_level,
			explanation, signals, flags, skipped_detectors, degraded,
			feedback_adjustment, recency_boost
		FROM scored_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at ASC, id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*txn.ScoredTransaction
	for rows.Next() {
		var st txn.ScoredTransaction
		var level string
		var explanation, signals []byte
		var flags, skipped pq.StringArray
		if err := rows.Scan(
			&st.ID, &st.Amount, &st.Timestamp, &st.DepartmentID, &st.VendorID, &st.CanonicalVendor,
			&st.VendorCategory, &st.ProjectID, &st.Description, &st.RiskScore, &level,
			&explanation, &signals, &flags, &skipped, &st.Degraded,
			&st.FeedbackAdjustment, &st.RecencyBoost,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		st.RiskLevel = txn.RiskLevel(level)
		st.ScoredAt = st.Timestamp
		if err := decodeColumns(&st, explanation, signals); err != nil {
			return nil, err
		}
		for _, f := range flags {
			st.Flags = append(st.Flags, txn.SignalType(f))
		}
		st.SkippedDetectors = skipped
		out = append(out, &st)
	}
	return out, rows.Err()
}

func decodeColumns(st *txn.ScoredTransaction, explanation, signals []byte) error {
	if err := json.Unmarshal(explanation, &st.Explanation); err != nil {
		return fmt.Errorf("failed to decode explanation for %s: %w", st.ID, err)
	}
	if err := json.Unmarshal(signals, &st.Signals); err != nil {
		return fmt.Errorf("failed to decode signals for %s: %w", st.ID, err)
	}
	return nil
}
