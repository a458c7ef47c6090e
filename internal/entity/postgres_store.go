package entity

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists vendor aliases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alias store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ AliasStore = (*PostgresStore)(nil)

func (s *PostgresStore) Save(ctx context.Context, a Alias) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendor_aliases (alias, canonical, seq, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (alias) DO NOTHING
	`, a.Alias, a.Canonical, a.Seq, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save vendor alias: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]Alias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alias, canonical, seq, created_at
		FROM vendor_aliases
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load vendor aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.Alias, &a.Canonical, &a.Seq, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vendor alias: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vendor_aliases`); err != nil {
		return fmt.Errorf("failed to clear vendor aliases: %w", err)
	}
	return nil
}
