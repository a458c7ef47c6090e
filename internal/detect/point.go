package detect

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/internal/txn"
)

// ----------------------------------------------------------------------------
// OffHours
// ----------------------------------------------------------------------------

// OffHours flags transactions initiated outside working hours or on a
// weekend.
type OffHours struct {
	cfg scoring.Config
}

func (d *OffHours) Name() string         { return "off_hours" }
func (d *OffHours) Type() txn.SignalType { return txn.SignalOffHours }

func (d *OffHours) Detect(_ context.Context, tx *txn.Transaction, _ Context) ([]txn.Signal, error) {
	ts := tx.Timestamp
	if d.cfg.Location != nil {
		ts = ts.In(d.cfg.Location)
	}
	hour := ts.Hour()
	weekend := ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday
	if hour >= d.cfg.OffHoursStart && hour < d.cfg.OffHoursEnd && !(d.cfg.WeekendFlagging && weekend) {
		return nil, nil
	}
	return []txn.Signal{{
		Type:     txn.SignalOffHours,
		Severity: SeverityOffHours,
		Description: fmt.Sprintf("Transaction initiated at %s on a %s, which is outside standard operational windows.",
			ts.Format("15:04"), ts.Weekday()),
	}}, nil
}

// ----------------------------------------------------------------------------
// StatisticalOutlier
// ----------------------------------------------------------------------------

// StatisticalOutlier compares the amount with its group baseline using a
// z-score and, independently, the interquartile fences.
type StatisticalOutlier struct {
	cfg scoring.Config
}

func (d *StatisticalOutlier) Name() string         { return "statistical_outlier" }
func (d *StatisticalOutlier) Type() txn.SignalType { return txn.SignalStatOutlier }

func (d *StatisticalOutlier) Detect(_ context.Context, tx *txn.Transaction, dc Context) ([]txn.Signal, error) {
	p := dc.Baseline
	if p == nil {
		return nil, nil
	}
	amount := tx.AmountFloat()
	var out []txn.Signal

	if p.Std > 0 {
		z := (amount - p.Mean) / p.Std
		if math.Abs(z) > d.cfg.ZThreshold {
			direction := "higher"
			if z < 0 {
				direction = "lower"
			}
			out = append(out, txn.Signal{
				Type:     txn.SignalStatOutlier,
				Severity: math.Min(SeverityOutlierCap, SeverityOutlierFloor+math.Abs(z)*outlierSeverityPerSTD),
				Description: fmt.Sprintf("Transaction amount (%s) is significantly %s (%.1fx deviation) than the %s average (%s).",
					FormatAmount(tx.Amount), direction, math.Abs(z), dc.GroupKey, FormatAmount(decimal.NewFromFloat(p.Mean))),
			})
		}
	}

	iqr := p.IQR()
	lower := p.Q1 - d.cfg.IQRMultiplier*iqr
	upper := p.Q3 + d.cfg.IQRMultiplier*iqr
	if iqr > 0 && (amount < lower || amount > upper) {
		out = append(out, txn.Signal{
			Type:     txn.SignalStatOutlier,
			Severity: SeverityIQR,
			Description: fmt.Sprintf("Amount %s is outside the normal IQR range [%s, %s] for %s.",
				FormatAmount(tx.Amount), FormatAmount(decimal.NewFromFloat(lower)),
				FormatAmount(decimal.NewFromFloat(upper)), dc.GroupKey),
		})
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// AnomalyModel
// ----------------------------------------------------------------------------

// AnomalyModel asks the isolation forest for a verdict. It reports a fixed
// severity and surfaces the continuous score in the description.
type AnomalyModel struct{}

func (d *AnomalyModel) Name() string         { return "anomaly_model" }
func (d *AnomalyModel) Type() txn.SignalType { return txn.SignalMLAnomaly }

func (d *AnomalyModel) Detect(_ context.Context, tx *txn.Transaction, dc Context) ([]txn.Signal, error) {
	if dc.Model == nil {
		return nil, nil
	}
	amount := tx.AmountFloat()
	label, err := dc.Model.Predict(amount)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if label != anomaly.Anomalous {
		return nil, nil
	}
	score, err := dc.Model.Score(amount)
	if err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}
	return []txn.Signal{{
		Type:        txn.SignalMLAnomaly,
		Severity:    SeverityAnomaly,
		Description: fmt.Sprintf("ML model detected rare statistical pattern (anomaly score: %.3f).", score),
	}}, nil
}

// ----------------------------------------------------------------------------
// RoundNumber
// ----------------------------------------------------------------------------

// RoundNumber flags amounts above one unit that are exact multiples of it.
type RoundNumber struct {
	cfg scoring.Config
}

func (d *RoundNumber) Name() string         { return "round_number" }
func (d *RoundNumber) Type() txn.SignalType { return txn.SignalRoundNumber }

func (d *RoundNumber) Detect(_ context.Context, tx *txn.Transaction, _ Context) ([]txn.Signal, error) {
	unit := d.cfg.RoundUnit
	if !tx.Amount.GreaterThan(unit) || !tx.Amount.Mod(unit).IsZero() {
		return nil, nil
	}
	return []txn.Signal{{
		Type:     txn.SignalRoundNumber,
		Severity: SeverityRoundNumber,
		Description: fmt.Sprintf("Amount %s is an exact multiple of %s, a pattern common in fabricated invoices.",
			FormatAmount(tx.Amount), FormatAmount(unit)),
	}}, nil
}
