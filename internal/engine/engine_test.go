package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/baseline"
	"github.com/mbd888/auditrisk/internal/detect"
	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/history"
	"github.com/mbd888/auditrisk/internal/txn"
)

func testBaselines() *baseline.Snapshot {
	return baseline.NewSnapshot(map[string]baseline.Profile{
		"PWD": {Mean: 10000, Std: 5000, Q1: 8000, Q3: 12000, Count: 500},
	})
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(testBaselines(), opts...)
	require.NoError(t, err)
	return e
}

func input(id, vendor, dept, amount, ts string) txn.Input {
	return txn.Input{
		ID:             id,
		Amount:         txn.RawAmount(amount),
		Timestamp:      ts,
		DepartmentID:   dept,
		VendorID:       vendor,
		VendorCategory: "construction",
	}
}

type readyModel struct{}

func (readyModel) Ready() error                            { return nil }
func (readyModel) Predict(float64) (anomaly.Label, error) { return anomaly.Normal, nil }
func (readyModel) Score(float64) (float64, error)         { return 0.3, nil }
func (readyModel) Info() anomaly.Info                     { return anomaly.Info{Status: "ready"} }

type failingHistory struct{}

func (failingHistory) Record(context.Context, ...*txn.ScoredTransaction) error {
	return errors.New("history down")
}

func (failingHistory) Query(context.Context, history.Query) ([]*txn.ScoredTransaction, error) {
	return nil, errors.New("history down")
}

func TestNew_RequiresBaselines(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoBaselines)

	_, err = New(baseline.NewSnapshot(nil))
	assert.ErrorIs(t, err, ErrNoBaselines)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := newTestEngine(t).Config()
	cfg.ZThreshold = 0
	_, err := New(testBaselines(), WithConfig(cfg))
	assert.Error(t, err)
}

func TestScoreBatch_DuplicateIsCritical(t *testing.T) {
	e := newTestEngine(t, WithModel(readyModel{}))
	res, err := e.ScoreBatch(context.Background(), []txn.Input{
		input("T1", "Acme Corp", "PWD", "150000", "2024-03-04T10:00:00Z"),
		input("T2", "ACME CORP", "PWD", "150000", "2024-03-04T13:00:00Z"),
	})
	require.NoError(t, err)
	require.Len(t, res.Scored, 2)

	second := res.Scored[1]
	assert.Equal(t, "T2", second.ID)
	assert.Equal(t, "Acme Corp", second.CanonicalVendor)
	assert.True(t, second.HasFlag(txn.SignalDuplicate))
	assert.InDelta(t, 0.915, second.RiskScore, 1e-9)
	assert.Equal(t, txn.LevelCritical, second.RiskLevel)
	assert.Equal(t, txn.SignalDuplicate, second.Signals[0].Type)
	assert.Contains(t, second.Explanation[0], "Matches previous transaction T1")

	first := res.Scored[0]
	assert.False(t, first.HasFlag(txn.SignalDuplicate))
	assert.InDelta(t, 0.8075, first.RiskScore, 1e-9)
}

func TestScoreBatch_OffHours(t *testing.T) {
	e := newTestEngine(t, WithModel(readyModel{}))
	res, err := e.ScoreBatch(context.Background(), []txn.Input{
		input("NIGHT", "Acme", "PWD", "10500", "2024-03-04T02:00:00Z"),
		input("DAY", "Beta", "PWD", "10500", "2024-03-04T11:00:00Z"),
	})
	require.NoError(t, err)
	require.Len(t, res.Scored, 2)

	night := res.Scored[0]
	assert.Equal(t, []txn.SignalType{txn.SignalOffHours}, night.Flags)
	assert.InDelta(t, 0.49, night.RiskScore, 1e-9)
	assert.Equal(t, txn.LevelMedium, night.RiskLevel)

	day := res.Scored[1]
	assert.Empty(t, day.Flags)
	assert.Empty(t, day.Explanation)
	assert.Zero(t, day.RiskScore)
	assert.Equal(t, txn.LevelMinimal, day.RiskLevel)
}

func TestScoreBatch_ContractSplit(t *testing.T) {
	e := newTestEngine(t, WithModel(readyModel{}))
	mkSplit := func(amount string) []txn.Input {
		var in []txn.Input
		for i, v := range []string{"Acme", "Zenith", "Orbit", "Kestrel"} {
			ts := time.Date(2024, 3, 4+i, 11, 0, 0, 0, time.UTC).Format(time.RFC3339)
			x := input(v+amount, v, "EDU", amount, ts)
			x.ProjectID = "P1"
			in = append(in, x)
		}
		return in
	}

	res, err := e.ScoreBatch(context.Background(), mkSplit("400000.50"))
	require.NoError(t, err)
	require.Len(t, res.Scored, 4)
	assert.True(t, res.Scored[0].HasFlag(txn.SignalContractSplit))
	assert.InDelta(t, 0.595, res.Scored[0].RiskScore, 1e-9)
	for _, s := range res.Scored[1:] {
		assert.False(t, s.HasFlag(txn.SignalContractSplit), s.ID)
	}

	res, err = e.ScoreBatch(context.Background(), mkSplit("625000.50"))
	require.NoError(t, err)
	for _, s := range res.Scored {
		assert.False(t, s.HasFlag(txn.SignalContractSplit), s.ID)
	}
}

func TestScoreBatch_RoundNumber(t *testing.T) {
	e := newTestEngine(t, WithModel(readyModel{}))
	res, err := e.ScoreBatch(context.Background(), []txn.Input{
		input("R", "Acme", "EDU", "50000", "2024-03-04T11:00:00Z"),
		input("N", "Beta", "EDU", "50123", "2024-03-05T11:00:00Z"),
	})
	require.NoError(t, err)
	assert.Equal(t, []txn.SignalType{txn.SignalRoundNumber}, res.Scored[0].Flags)
	assert.InDelta(t, 0.085, res.Scored[0].RiskScore, 1e-9)
	assert.Empty(t, res.Scored[1].Flags)
}

func TestScoreBatch_RejectsInvalidRecordsOnly(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.ScoreBatch(context.Background(), []txn.Input{
		input("BAD1", "Acme", "PWD", "", "2024-03-04T11:00:00Z"),
		input("OK", "Acme", "PWD", "10500", "2024-03-04T11:00:00Z"),
		input("BAD2", "Acme", "PWD", "10500", "yesterday"),
	})
	require.NoError(t, err)

	require.Len(t, res.Scored, 1)
	assert.Equal(t, "OK", res.Scored[0].ID)

	require.Len(t, res.Rejected, 2)
	assert.Equal(t, Rejection{Index: 0, ID: "BAD1", Stage: "validation", Field: "amount", Reason: "required"}, res.Rejected[0])
	assert.Equal(t, 2, res.Rejected[1].Index)
	assert.Equal(t, "timestamp", res.Rejected[1].Field)

	assert.Equal(t, 3, res.Summary.Total)
	assert.Equal(t, 1, res.Summary.Scored)
	assert.Equal(t, 2, res.Summary.Rejected)
}

// brokenDetector panics on one transaction id and errors on another.
type brokenDetector struct{ panicOn, errOn string }

func (brokenDetector) Name() string          { return "broken" }
func (brokenDetector) Type() txn.SignalType { return txn.SignalStatOutlier }

func (d brokenDetector) Detect(_ context.Context, tx *txn.Transaction, _ detect.Context) ([]txn.Signal, error) {
	switch tx.ID {
	case d.panicOn:
		panic("index out of range")
	case d.errOn:
		return nil, errors.New("detector unavailable")
	}
	return nil, nil
}

func TestScoreBatch_DetectorFailureIsolated(t *testing.T) {
	e := newTestEngine(t, WithModel(readyModel{}))
	e.point = append(e.point, brokenDetector{panicOn: "BOOM", errOn: "ERR"})

	res, err := e.ScoreBatch(context.Background(), []txn.Input{
		input("A", "Acme", "PWD", "10500", "2024-03-04T11:00:00Z"),
		input("BOOM", "Zenith", "PWD", "10500", "2024-03-04T11:05:00Z"),
		input("ERR", "Globex", "PWD", "10500", "2024-03-04T11:10:00Z"),
	})
	require.NoError(t, err)

	require.Len(t, res.Scored, 2)
	assert.Equal(t, "A", res.Scored[0].ID)
	assert.Empty(t, res.Scored[0].SkippedDetectors)
	assert.Equal(t, "ERR", res.Scored[1].ID)
	assert.Equal(t, []string{"broken"}, res.Scored[1].SkippedDetectors)

	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 1, res.Rejected[0].Index)
	assert.Equal(t, "BOOM", res.Rejected[0].ID)
	assert.Equal(t, "scoring", res.Rejected[0].Stage)
	assert.Contains(t, res.Rejected[0].Reason, "index out of range")
	assert.Equal(t, 1, res.Summary.Rejected)
}

func TestScoreBatch_Degraded(t *testing.T) {
	res, err := newTestEngine(t).ScoreBatch(context.Background(), []txn.Input{
		input("T1", "Acme", "PWD", "10500", "2024-03-04T11:00:00Z"),
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.True(t, res.Scored[0].Degraded)

	res, err = newTestEngine(t, WithModel(anomaly.Unavailable{Reason: errors.New("missing")})).ScoreBatch(context.Background(), []txn.Input{
		input("T1", "Acme", "PWD", "10500", "2024-03-04T11:00:00Z"),
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	res, err = newTestEngine(t, WithModel(readyModel{})).ScoreBatch(context.Background(), []txn.Input{
		input("T1", "Acme", "PWD", "10500", "2024-03-04T11:00:00Z"),
	})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.False(t, res.Scored[0].Degraded)
}

func sampleBatch() []txn.Input {
	return []txn.Input{
		input("T1", "Acme Corp", "PWD", "150000", "2024-03-04T10:00:00Z"),
		input("T2", "acme corp", "PWD", "150000", "2024-03-04T13:00:00Z"),
		input("T3", "Beta", "PWD", "9800.25", "2024-03-04T02:30:00Z"),
		input("T4", "Beta", "PWD", "11000", "2024-03-04T12:00:00Z"),
		input("T5", "Beta", "PWD", "10999.99", "2024-03-05T09:00:00Z"),
		input("T6", "Gamma", "EDU", "1200.75", "2024-03-09T11:00:00Z"),
		input("T7", "Gamma", "", "3", "2024-03-04T10:00:00Z"),
	}
}

func TestScoreBatch_Deterministic(t *testing.T) {
	a, err := newTestEngine(t, WithModel(readyModel{}), WithWorkers(1)).ScoreBatch(context.Background(), sampleBatch())
	require.NoError(t, err)
	b, err := newTestEngine(t, WithModel(readyModel{}), WithWorkers(8)).ScoreBatch(context.Background(), sampleBatch())
	require.NoError(t, err)

	require.Len(t, b.Scored, len(a.Scored))
	for i := range a.Scored {
		assert.Equal(t, a.Scored[i].ID, b.Scored[i].ID)
		assert.Equal(t, a.Scored[i].RiskScore, b.Scored[i].RiskScore)
		assert.Equal(t, a.Scored[i].RiskLevel, b.Scored[i].RiskLevel)
		assert.Equal(t, a.Scored[i].Explanation, b.Scored[i].Explanation)
		assert.Equal(t, a.Scored[i].Flags, b.Scored[i].Flags)
	}
	assert.Equal(t, a.Summary, b.Summary)
	assert.NotEqual(t, a.BatchID, b.BatchID)
}

func TestScoreBatch_ScoresWithinBounds(t *testing.T) {
	res, err := newTestEngine(t, WithModel(readyModel{})).ScoreBatch(context.Background(), sampleBatch())
	require.NoError(t, err)
	for _, s := range res.Scored {
		assert.GreaterOrEqual(t, s.RiskScore, 0.0, s.ID)
		assert.LessOrEqual(t, s.RiskScore, 1.0, s.ID)
		if len(s.Signals) > 0 {
			assert.GreaterOrEqual(t, s.RiskScore, 0.01, s.ID)
		} else {
			assert.Zero(t, s.RiskScore, s.ID)
		}
		assert.Equal(t, s.RiskScore, decimal.NewFromFloat(s.RiskScore).Round(4).InexactFloat64(), s.ID)
	}
}

func TestScoreBatch_BlankDepartmentIsUnknown(t *testing.T) {
	res, err := newTestEngine(t).ScoreBatch(context.Background(), sampleBatch())
	require.NoError(t, err)
	last := res.Scored[len(res.Scored)-1]
	assert.Equal(t, "T7", last.ID)
	assert.Equal(t, txn.Unknown, last.DepartmentID)
}

func TestScoreBatch_Summary(t *testing.T) {
	res, err := newTestEngine(t, WithModel(readyModel{})).ScoreBatch(context.Background(), []txn.Input{
		input("T1", "Acme", "PWD", "150000", "2024-03-04T10:00:00Z"),
		input("T2", "Acme", "PWD", "150000", "2024-03-04T13:00:00Z"),
		input("T3", "Beta", "PWD", "10600", "2024-03-04T11:00:00Z"),
		input("T4", "Beta", "PWD", "10500", "2024-03-04T02:00:00Z"),
	})
	require.NoError(t, err)
	s := res.Summary
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Flagged)
	assert.Equal(t, 2, s.ByLevel[txn.LevelCritical])
	assert.Equal(t, 1, s.ByLevel[txn.LevelMedium])
	assert.Equal(t, 1, s.ByLevel[txn.LevelMinimal])
	assert.Equal(t, 0, s.ByLevel[txn.LevelHigh])
	assert.True(t, decimal.NewFromInt(300000).Equal(s.FlaggedAmount))
	assert.InDelta(t, 0.5, s.DetectionRate, 1e-9)
	assert.Nil(t, res.Benford, "too few samples")
}

func TestScoreBatch_Benford(t *testing.T) {
	var in []txn.Input
	start := time.Date(2024, 3, 4, 11, 0, 0, 0, time.UTC)
	for i := range 60 {
		ts := start.Add(time.Duration(i) * 72 * time.Hour).Format(time.RFC3339)
		in = append(in, input(fmt.Sprintf("T%02d", i), fmt.Sprintf("Vendor %02d", i), "PWD", "9123.45", ts))
	}
	res, err := newTestEngine(t).ScoreBatch(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, res.Benford)
	assert.Equal(t, 60, res.Benford.Samples)
	assert.True(t, res.Benford.Anomalous)
}

func TestScoreBatch_FeedbackApplied(t *testing.T) {
	fb := feedback.NewMemoryStore()
	for range 3 {
		require.NoError(t, fb.Append(context.Background(), &feedback.Entry{
			CanonicalVendorID: "Acme",
			Action:            feedback.ActionDismiss,
			Timestamp:         time.Now(),
		}))
	}
	e := newTestEngine(t, WithModel(readyModel{}), WithFeedback(fb))
	res, err := e.ScoreBatch(context.Background(), []txn.Input{
		input("T1", "Acme", "PWD", "10500", "2024-03-04T02:00:00Z"),
		input("T2", "Acme", "PWD", "10500", "2024-03-05T11:00:00Z"),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.34, res.Scored[0].RiskScore, 1e-9)
	assert.InDelta(t, -0.15, res.Scored[0].FeedbackAdjustment, 1e-9)
	assert.Equal(t, txn.LevelLow, res.Scored[0].RiskLevel)
	assert.Zero(t, res.Scored[1].RiskScore, "feedback never lifts a clean transaction")
}

func TestScoreBatch_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestEngine(t).ScoreBatch(ctx, sampleBatch())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScoreOne_ValidationError(t *testing.T) {
	_, err := newTestEngine(t).ScoreOne(context.Background(), input("", "Acme", "PWD", "10", "2024-03-04T11:00:00Z"))
	var ie *txn.InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "id", ie.Field)
}

func TestScoreOne_DuplicateFromHistory(t *testing.T) {
	ctx := context.Background()
	h := history.NewMemoryStore()
	e := newTestEngine(t, WithModel(readyModel{}), WithHistory(h))

	first, err := e.ScoreOne(ctx, input("T1", "Acme Corp", "PWD", "150000", "2024-03-04T10:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, h.Record(ctx, first))

	second, err := e.ScoreOne(ctx, input("T2", "acme corp", "PWD", "150000", "2024-03-04T13:00:00Z"))
	require.NoError(t, err)
	assert.True(t, second.HasFlag(txn.SignalDuplicate))
	assert.Equal(t, []string{"T1"}, second.Signals[0].Evidence)
	assert.Equal(t, txn.LevelCritical, second.RiskLevel)
	assert.Empty(t, second.SkippedDetectors)
}

func TestScoreOne_RecencyEscalates(t *testing.T) {
	ctx := context.Background()
	h := history.NewMemoryStore()
	at := time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)
	for i, days := range []int{10, 5} {
		prior := &txn.ScoredTransaction{
			Transaction: txn.Transaction{
				ID:              []string{"P1", "P2"}[i],
				Amount:          decimal.NewFromInt(int64(7000 + i)),
				Timestamp:       at.AddDate(0, 0, -days),
				DepartmentID:    "PWD",
				VendorID:        "Acme",
				CanonicalVendor: "Acme",
			},
			RiskScore: 0.9,
			RiskLevel: txn.LevelCritical,
		}
		require.NoError(t, h.Record(ctx, prior))
	}
	e := newTestEngine(t, WithModel(readyModel{}), WithHistory(h))

	out, err := e.ScoreOne(ctx, input("T3", "Acme", "PWD", "10500", at.Format(time.RFC3339)))
	require.NoError(t, err)
	assert.InDelta(t, 0.2, out.RecencyBoost, 1e-9)
	assert.InDelta(t, 0.69, out.RiskScore, 1e-9)
	assert.Equal(t, txn.LevelHigh, out.RiskLevel)
	assert.True(t, strings.HasPrefix(out.Explanation[0], "ESCALATING RISK"))

	// No signals, no boost.
	clean, err := e.ScoreOne(ctx, input("T4", "Acme", "PWD", "10500", at.Add(9*time.Hour).Format(time.RFC3339)))
	require.NoError(t, err)
	assert.Zero(t, clean.RiskScore)
	assert.Zero(t, clean.RecencyBoost)
}

func TestScoreOne_HistoryFailureSkipsDetectors(t *testing.T) {
	e := newTestEngine(t, WithModel(readyModel{}), WithHistory(failingHistory{}))
	in := input("T1", "Acme", "PWD", "10500", "2024-03-04T02:00:00Z")
	in.ProjectID = "P-7"
	out, err := e.ScoreOne(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"duplicate_payment", "frequency_burst", "contract_split", "recency"}, out.SkippedDetectors)
	assert.InDelta(t, 0.49, out.RiskScore, 1e-9)

	// Without a project the split check needs no history, so it is not skipped.
	out, err = e.ScoreOne(context.Background(), input("T2", "Acme", "PWD", "10500", "2024-03-04T02:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, []string{"duplicate_payment", "frequency_burst", "recency"}, out.SkippedDetectors)
}

func TestScoreOne_NoHistory(t *testing.T) {
	out, err := newTestEngine(t).ScoreOne(context.Background(), input("T1", "Acme", "PWD", "10500", "2024-03-04T11:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, []string{"duplicate_payment", "frequency_burst", "contract_split"}, out.SkippedDetectors)
	assert.True(t, out.Degraded)
}

func TestEngine_VendorRegistry(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	assert.Equal(t, "Acme Corp", e.ResolveVendor("Acme Corp"))
	assert.Equal(t, "Acme Corp", e.ResolveVendor(" ACME CORP "))
	assert.NotEmpty(t, e.VendorAliases())

	require.NoError(t, e.ResetVendors(ctx))
	assert.Empty(t, e.VendorAliases())
	assert.Equal(t, "acme corp", e.ResolveVendor("acme corp"))
}

func TestEngine_Info(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, 1, e.BaselineCount())
	assert.NotEqual(t, "ready", e.ModelInfo().Status)
	assert.Equal(t, "ready", newTestEngine(t, WithModel(readyModel{})).ModelInfo().Status)
}
