package baseline

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore loads and saves baseline profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed baseline loader.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Loader = (*PostgresStore)(nil)

// Load reads every profile into an immutable snapshot.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_key, mean, std, q1, q3, sample_count
		FROM baseline_profiles
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query baselines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	profiles := make(map[string]Profile)
	for rows.Next() {
		var key string
		var p Profile
		if err := rows.Scan(&key, &p.Mean, &p.Std, &p.Q1, &p.Q3, &p.Count); err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		profiles[key] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read baselines: %w", err)
	}
	if len(profiles) == 0 {
		return nil, ErrNoBaselines
	}
	return NewSnapshot(profiles), nil
}

// Save upserts profiles in a single transaction. It is used by the offline
// import tooling, never by the scoring path.
func (s *PostgresStore) Save(ctx context.Context, profiles map[string]Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO baseline_profiles (group_key, mean, std, q1, q3, sample_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (group_key) DO UPDATE SET
			mean = EXCLUDED.mean, std = EXCLUDED.std,
			q1 = EXCLUDED.q1, q3 = EXCLUDED.q3,
			sample_count = EXCLUDED.sample_count, updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare baseline upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for key, p := range profiles {
		if _, err := stmt.ExecContext(ctx, key, p.Mean, p.Std, p.Q1, p.Q3, p.Count); err != nil {
			return fmt.Errorf("failed to upsert baseline %s: %w", key, err)
		}
	}
	return tx.Commit()
}
