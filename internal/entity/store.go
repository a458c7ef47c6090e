package entity

import (
	"context"
	"time"
)

// Alias records that a normalised raw vendor id maps to a canonical id.
// Seq preserves registration order across restarts.
type Alias struct {
	Alias     string    `json:"alias"`
	Canonical string    `json:"canonical"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// AliasStore persists the registry so canonical ids survive restarts.
type AliasStore interface {
	Save(ctx context.Context, a Alias) error
	// LoadAll returns aliases ordered by Seq ascending.
	LoadAll(ctx context.Context) ([]Alias, error)
	Clear(ctx context.Context) error
}
