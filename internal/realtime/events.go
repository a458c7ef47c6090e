package realtime

import (
	"slices"
	"time"

	"github.com/mbd888/auditrisk/internal/txn"
)

// EventType names what an Event carries.
type EventType string

const (
	EventRiskAlert   EventType = "risk_alert"
	EventBatchScored EventType = "batch_scored"
	EventFeedback    EventType = "feedback"
)

// Event is the envelope written to clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Alert is the payload of an EventRiskAlert.
type Alert struct {
	TransactionID string           `json:"transactionId"`
	Vendor        string           `json:"vendor"`
	Department    string           `json:"department"`
	Amount        string           `json:"amount"`
	Score         float64          `json:"riskScore"`
	Level         txn.RiskLevel    `json:"riskLevel"`
	Flags         []txn.SignalType `json:"flags"`
	Explanation   []string         `json:"explanation"`
}

// NewAlert builds the alert payload for s.
func NewAlert(s *txn.ScoredTransaction) *Alert {
	return &Alert{
		TransactionID: s.ID,
		Vendor:        s.CanonicalVendor,
		Department:    s.DepartmentID,
		Amount:        s.Amount.StringFixed(2),
		Score:         s.RiskScore,
		Level:         s.RiskLevel,
		Flags:         s.Flags,
		Explanation:   s.Explanation,
	}
}

// BatchSummary is the payload of an EventBatchScored.
type BatchSummary struct {
	BatchID  string `json:"batchId"`
	Scored   int    `json:"scored"`
	Rejected int    `json:"rejected"`
	Flagged  int    `json:"flagged"`
	Degraded bool   `json:"degraded"`
}

// Subscription is what a client sends to narrow its feed. The zero value
// receives nothing but non-alert events; new connections start with
// AllEvents set.
type Subscription struct {
	AllEvents   bool            `json:"allEvents"`
	EventTypes  []EventType     `json:"eventTypes"`
	Vendors     []string        `json:"vendors"`
	Departments []string        `json:"departments"`
	MinScore    float64         `json:"minScore"`
	Levels      []txn.RiskLevel `json:"levels"`
}

// Matches reports whether e passes the subscription. Vendor, department,
// score and level filters only constrain alerts.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}

	a, ok := e.Data.(*Alert)
	if !ok {
		return true
	}
	switch {
	case len(s.Vendors) > 0 && !slices.Contains(s.Vendors, a.Vendor):
		return false
	case len(s.Departments) > 0 && !slices.Contains(s.Departments, a.Department):
		return false
	case s.MinScore > 0 && a.Score < s.MinScore:
		return false
	case len(s.Levels) > 0 && !slices.Contains(s.Levels, a.Level):
		return false
	}
	return true
}
