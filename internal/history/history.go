// Package history stores scored transactions so the streaming path can run
// windowed checks against prior activity.
package history

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/auditrisk/internal/txn"
)

// Query selects prior scored transactions. Zero-valued fields do not filter.
// Since is inclusive and Before is exclusive.
type Query struct {
	Vendor     string
	Department string
	Project    string
	Amount     *decimal.Decimal
	MinScore   *float64 // strictly greater than
	Since      time.Time
	Before     time.Time
	ExcludeID  string
	Limit      int
}

// Store is the read/write surface for scored transaction history.
type Store interface {
	Record(ctx context.Context, scored ...*txn.ScoredTransaction) error
	// Query returns matches ordered by timestamp ascending.
	Query(ctx context.Context, q Query) ([]*txn.ScoredTransaction, error)
}

// Matches reports whether s satisfies q. Shared by in-memory filtering and
// tests.
func (q Query) Matches(s *txn.ScoredTransaction) bool {
	if q.Vendor != "" && s.CanonicalVendor != q.Vendor {
		return false
	}
	if q.Department != "" && s.DepartmentID != q.Department {
		return false
	}
	if q.Project != "" && s.ProjectID != q.Project {
		return false
	}
	if q.Amount != nil && !s.Amount.Equal(*q.Amount) {
		return false
	}
	if q.MinScore != nil && s.RiskScore <= *q.MinScore {
		return false
	}
	if !q.Since.IsZero() && s.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Before.IsZero() && !s.Timestamp.Before(q.Before) {
		return false
	}
	if q.ExcludeID != "" && s.ID == q.ExcludeID {
		return false
	}
	return true
}

func copyScored(s *txn.ScoredTransaction) *txn.ScoredTransaction {
	c := *s
	c.Explanation = append([]string(nil), s.Explanation...)
	c.Signals = make([]txn.Signal, len(s.Signals))
	for i, sig := range s.Signals {
		sig.Evidence = append([]string(nil), sig.Evidence...)
		c.Signals[i] = sig
	}
	c.Flags = append([]txn.SignalType(nil), s.Flags...)
	c.SkippedDetectors = append([]string(nil), s.SkippedDetectors...)
	return &c
}
