package scoring

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GroupBy selects the baseline grouping key.
type GroupBy string

const (
	GroupByDepartment GroupBy = "department"
	GroupByCategory   GroupBy = "category"
)

// LevelThresholds are the lower bounds of each level above MINIMAL.
type LevelThresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
	Low      float64 `json:"low"`
}

// Config holds every tunable of the pipeline. It is passed explicitly; there
// are no package-level knobs.
type Config struct {
	// Statistical outlier
	ZThreshold    float64
	IQRMultiplier float64

	// Off-hours: flagged when hour < Start or hour >= End.
	OffHoursStart   int
	OffHoursEnd     int
	WeekendFlagging bool

	// Location for off-hours evaluation and naive timestamps. Nil keeps
	// each timestamp's own offset.
	Location *time.Location

	DuplicateWindow time.Duration
	BurstWindow     time.Duration
	BurstMinCount   int
	SplitWindow     time.Duration
	SplitMinCount   int
	SplitCeiling    decimal.Decimal
	RoundUnit       decimal.Decimal

	BaselineGroupBy GroupBy
	Levels          LevelThresholds

	// Composite weights
	RuleWeight          float64
	ProbabilisticWeight float64
	ProbabilisticOnly   float64
	ScoreFloor          float64

	// Feedback recalibration
	DismissMin         int
	DismissAdjustment  float64
	EscalateMin        int
	EscalateAdjustment float64

	// Streaming recency recalibration
	RecencyMinScore   float64
	RecencyStep       float64
	RecencyCap        float64
	RecencyEscalateGT float64
	RecencyLookback   time.Duration // zero: all prior history

	// Streamed results scoring above this are broadcast as alerts.
	AlertMinScore float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ZThreshold:      2.0,
		IQRMultiplier:   1.5,
		OffHoursStart:   6,
		OffHoursEnd:     22,
		WeekendFlagging: true,

		DuplicateWindow: 24 * time.Hour,
		BurstWindow:     48 * time.Hour,
		BurstMinCount:   3,
		SplitWindow:     7 * 24 * time.Hour,
		SplitMinCount:   4,
		SplitCeiling:    decimal.NewFromInt(2_000_000),
		RoundUnit:       decimal.NewFromInt(1000),

		BaselineGroupBy: GroupByDepartment,
		Levels:          LevelThresholds{Critical: 0.8, High: 0.6, Medium: 0.4, Low: 0.2},

		RuleWeight:          0.7,
		ProbabilisticWeight: 0.3,
		ProbabilisticOnly:   0.85,
		ScoreFloor:          0.01,

		DismissMin:         3,
		DismissAdjustment:  -0.15,
		EscalateMin:        1,
		EscalateAdjustment: 0.10,

		RecencyMinScore:   0.5,
		RecencyStep:       0.10,
		RecencyCap:        0.30,
		RecencyEscalateGT: 0.15,
		AlertMinScore:     0.5,
	}
}

// Validate rejects configurations that would break score invariants.
func (c Config) Validate() error {
	var errs []error
	if c.ZThreshold <= 0 {
		errs = append(errs, errors.New("z threshold must be positive"))
	}
	if c.IQRMultiplier < 0 {
		errs = append(errs, errors.New("iqr multiplier must not be negative"))
	}
	if c.OffHoursStart < 0 || c.OffHoursStart > 24 || c.OffHoursEnd < 0 || c.OffHoursEnd > 24 {
		errs = append(errs, fmt.Errorf("off-hours window %d-%d out of range", c.OffHoursStart, c.OffHoursEnd))
	}
	if c.DuplicateWindow <= 0 || c.BurstWindow <= 0 || c.SplitWindow <= 0 {
		errs = append(errs, errors.New("detector windows must be positive"))
	}
	if c.BurstMinCount < 1 || c.SplitMinCount < 1 {
		errs = append(errs, errors.New("window minimum counts must be at least 1"))
	}
	if !c.RoundUnit.IsPositive() {
		errs = append(errs, errors.New("round unit must be positive"))
	}
	l := c.Levels
	if !(l.Critical >= l.High && l.High >= l.Medium && l.Medium >= l.Low && l.Low > 0 && l.Critical <= 1) {
		errs = append(errs, errors.New("level thresholds must be descending within (0,1]"))
	}
	if c.ScoreFloor <= 0 || c.ScoreFloor > 1 {
		errs = append(errs, errors.New("score floor must be in (0,1]"))
	}
	if c.BaselineGroupBy != GroupByDepartment && c.BaselineGroupBy != GroupByCategory {
		errs = append(errs, fmt.Errorf("unknown baseline grouping %q", c.BaselineGroupBy))
	}
	return errors.Join(errs...)
}
