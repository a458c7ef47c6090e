package feedback

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/auditrisk/internal/idgen"
	"github.com/mbd888/auditrisk/internal/metrics"
)

// VendorResolver maps a raw vendor id to its canonical id. LookupVendor must
// not register the id.
type VendorResolver interface {
	ResolveVendor(raw string) string
	LookupVendor(raw string) string
}

// Notifier is told about every accepted entry.
type Notifier interface {
	BroadcastFeedback(e *Entry)
}

// Service validates and records feedback.
type Service struct {
	store    Store
	resolver VendorResolver
	notifier Notifier
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier publishes accepted entries, e.g. to the realtime hub.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// NewService creates a feedback service.
func NewService(store Store, resolver VendorResolver, opts ...ServiceOption) *Service {
	s := &Service{store: store, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitRequest is the body of POST /v1/feedback.
type SubmitRequest struct {
	VendorID      string `json:"vendorId"`
	TransactionID string `json:"transactionId"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
}

// Submit resolves the vendor and appends the entry.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Entry, error) {
	action, err := ParseAction(req.Action)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.VendorID) == "" {
		return nil, ErrMissingVendor
	}

	e := &Entry{
		ID:                idgen.WithPrefix("fb_"),
		CanonicalVendorID: s.resolver.ResolveVendor(req.VendorID),
		TransactionID:     strings.TrimSpace(req.TransactionID),
		Action:            action,
		Reason:            strings.TrimSpace(req.Reason),
		Timestamp:         s.now().UTC(),
	}
	if err := s.store.Append(ctx, e); err != nil {
		return nil, err
	}
	metrics.FeedbackSubmitted.WithLabelValues(string(action)).Inc()
	if s.notifier != nil {
		s.notifier.BroadcastFeedback(e)
	}
	return e, nil
}

// VendorSummary is the feedback view for one vendor.
type VendorSummary struct {
	CanonicalVendorID string   `json:"canonicalVendorId"`
	Counts            Counts   `json:"counts"`
	Entries           []*Entry `json:"entries"`
}

// Summary returns counts and recent entries for a raw or canonical vendor id.
func (s *Service) Summary(ctx context.Context, vendor string, limit int) (*VendorSummary, error) {
	canonical := s.resolver.LookupVendor(vendor)
	counts, err := s.store.Counts(ctx, canonical)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.List(ctx, canonical, limit)
	if err != nil {
		return nil, err
	}
	return &VendorSummary{CanonicalVendorID: canonical, Counts: counts, Entries: entries}, nil
}
