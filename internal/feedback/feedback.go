// Package feedback records auditor decisions on flagged transactions. The
// store is append-only; the scorer reads per-vendor counts to recalibrate.
package feedback

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidAction = errors.New("feedback: action must be dismiss or escalate")
	ErrMissingVendor = errors.New("feedback: vendor is required")
)

// Action is the auditor's decision.
type Action string

const (
	ActionDismiss  Action = "dismiss"
	ActionEscalate Action = "escalate"
)

// ParseAction accepts the action name case-insensitively.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionDismiss:
		return ActionDismiss, nil
	case ActionEscalate:
		return ActionEscalate, nil
	}
	return "", ErrInvalidAction
}

// Entry is one auditor decision about a canonical vendor.
type Entry struct {
	ID                string    `json:"id"`
	CanonicalVendorID string    `json:"canonicalVendorId"`
	TransactionID     string    `json:"transactionId,omitempty"`
	Action            Action    `json:"action"`
	Reason            string    `json:"reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Counts aggregates a vendor's feedback.
type Counts struct {
	Dismiss  int `json:"dismiss"`
	Escalate int `json:"escalate"`
}

// Store is the append/query surface for feedback.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Counts(ctx context.Context, vendor string) (Counts, error)
	List(ctx context.Context, vendor string, limit int) ([]*Entry, error)
}
