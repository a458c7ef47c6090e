// Package detect implements the signal detectors. Each detector reports
// zero or more signals with a severity in [0,1]; weighting belongs to the
// scorer.
//
// Point detectors look at one transaction plus its baseline and the anomaly
// model. Windowed detectors compare a transaction with its neighbours in
// time: over the whole batch on the batch path, or against persisted
// history on the streaming path.
package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/baseline"
	"github.com/mbd888/auditrisk/internal/history"
	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/internal/txn"
)

// Fixed severities.
const (
	SeverityDuplicate     = 0.90
	SeverityOffHours      = 0.70
	SeverityBurst         = 0.80
	SeveritySplit         = 0.85
	SeverityRoundNumber   = 0.10
	SeverityAnomaly       = 0.60
	SeverityIQR           = 0.50
	SeverityOutlierFloor  = 0.40
	SeverityOutlierCap    = 0.95
	outlierSeverityPerSTD = 0.10
)

// Context carries the per-transaction inputs of point detectors.
type Context struct {
	GroupKey string
	// Baseline is nil when the group has no profile.
	Baseline *baseline.Profile
	// Model is nil in degraded mode.
	Model anomaly.Model
}

// Detector inspects a single transaction.
type Detector interface {
	Name() string
	Type() txn.SignalType
	Detect(ctx context.Context, tx *txn.Transaction, dc Context) ([]txn.Signal, error)
}

// Windowed inspects a transaction against others in a time window.
type Windowed interface {
	Name() string
	Type() txn.SignalType
	// Batch scans transactions sorted by timestamp and returns signals keyed
	// by position in sorted.
	Batch(sorted []*txn.Transaction) map[int][]txn.Signal
	// Stream checks tx against persisted history.
	Stream(ctx context.Context, tx *txn.Transaction, h history.Store) ([]txn.Signal, error)
}

// PointDetectors returns the point detectors in declaration order.
func PointDetectors(cfg scoring.Config) []Detector {
	return []Detector{
		&OffHours{cfg: cfg},
		&StatisticalOutlier{cfg: cfg},
		&AnomalyModel{},
		&RoundNumber{cfg: cfg},
	}
}

// WindowedDetectors returns the windowed detectors in declaration order.
func WindowedDetectors(cfg scoring.Config) []Windowed {
	return []Windowed{
		&DuplicatePayment{cfg: cfg},
		&FrequencyBurst{cfg: cfg},
		&ContractSplit{cfg: cfg},
	}
}

// FormatAmount renders an amount as rupees with thousands separators.
func FormatAmount(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return fmt.Sprintf("%s₹%s.%s", sign, b.String(), frac)
}

func ids(txs []*txn.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}
