// Package txn defines the transaction, signal and scored-result types shared
// by the scoring pipeline.
package txn

import (
	"time"

	"github.com/shopspring/decimal"
)

// Unknown replaces blank categorical fields and is the canonical vendor for
// blank vendor ids.
const Unknown = "UNKNOWN"

// Transaction is a validated payment record. CanonicalVendor is empty until
// the engine resolves VendorID.
type Transaction struct {
	ID              string          `json:"id"`
	Amount          decimal.Decimal `json:"amount"`
	Timestamp       time.Time       `json:"timestamp"`
	DepartmentID    string          `json:"departmentId"`
	VendorID        string          `json:"vendorId"`
	VendorCategory  string          `json:"vendorCategory"`
	ProjectID       string          `json:"projectId,omitempty"`
	Description     string          `json:"description,omitempty"`
	CanonicalVendor string          `json:"canonicalVendor"`
}

// AmountFloat returns the amount as float64 for statistical math.
func (t *Transaction) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// SignalType identifies the detector that produced a signal.
type SignalType string

const (
	SignalDuplicate     SignalType = "DUPLICATE"
	SignalOffHours      SignalType = "OFF_HOURS"
	SignalHighFrequency SignalType = "HIGH_FREQUENCY"
	SignalContractSplit SignalType = "CONTRACT_SPLIT"
	SignalStatOutlier   SignalType = "STAT_OUTLIER"
	SignalMLAnomaly     SignalType = "ML_ANOMALY"
	SignalRoundNumber   SignalType = "ROUND_NUMBER"
)

// SignalOrder is the declaration order used for explanations and flags.
var SignalOrder = []SignalType{
	SignalDuplicate,
	SignalOffHours,
	SignalHighFrequency,
	SignalContractSplit,
	SignalStatOutlier,
	SignalMLAnomaly,
	SignalRoundNumber,
}

// Category groups signal types for the composite scorer.
type Category int

const (
	CategoryRule Category = iota
	CategoryProbabilistic
)

// Category returns whether the signal is a deterministic rule hit or a
// probabilistic/statistical one.
func (s SignalType) Category() Category {
	switch s {
	case SignalDuplicate, SignalOffHours, SignalHighFrequency, SignalContractSplit:
		return CategoryRule
	default:
		return CategoryProbabilistic
	}
}

// Rank returns the position of s in SignalOrder, or len(SignalOrder).
func (s SignalType) Rank() int {
	for i, t := range SignalOrder {
		if t == s {
			return i
		}
	}
	return len(SignalOrder)
}

// Signal is a single detector finding.
type Signal struct {
	Type        SignalType `json:"type"`
	Severity    float64    `json:"severity"`
	Description string     `json:"description"`
	Evidence    []string   `json:"evidence,omitempty"`
}

// RiskLevel is the discrete classification of a risk score.
type RiskLevel string

const (
	LevelMinimal  RiskLevel = "MINIMAL"
	LevelLow      RiskLevel = "LOW"
	LevelMedium   RiskLevel = "MEDIUM"
	LevelHigh     RiskLevel = "HIGH"
	LevelCritical RiskLevel = "CRITICAL"
)

// Levels lists risk levels from lowest to highest.
var Levels = []RiskLevel{LevelMinimal, LevelLow, LevelMedium, LevelHigh, LevelCritical}

// ScoredTransaction is the engine's output for one transaction.
type ScoredTransaction struct {
	Transaction
	RiskScore          float64      `json:"riskScore"`
	RiskLevel          RiskLevel    `json:"riskLevel"`
	Explanation        []string     `json:"explanation"`
	Signals            []Signal     `json:"signals"`
	Flags              []SignalType `json:"flags"`
	SkippedDetectors   []string     `json:"skippedDetectors,omitempty"`
	Degraded           bool         `json:"degraded"`
	FeedbackAdjustment float64      `json:"feedbackAdjustment"`
	RecencyBoost       float64      `json:"recencyBoost"`
	// ScoredAt is the transaction timestamp, so rescoring is reproducible.
	ScoredAt           time.Time    `json:"scoredAt"`
}

// HasFlag reports whether a signal of type s fired.
func (s *ScoredTransaction) HasFlag(t SignalType) bool {
	for _, f := range s.Flags {
		if f == t {
			return true
		}
	}
	return false
}
