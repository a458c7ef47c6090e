package engine

import (
	"context"
	"time"

	"github.com/mbd888/auditrisk/internal/history"
	"github.com/mbd888/auditrisk/internal/logging"
	"github.com/mbd888/auditrisk/internal/metrics"
	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/internal/traces"
	"github.com/mbd888/auditrisk/internal/txn"
)

// detectorRecency names the history lookup behind the recency boost in
// SkippedDetectors.
const detectorRecency = "recency"

// ScoreOne scores a single transaction as it arrives. Windowed checks and
// the recency boost read persisted history; when history is unavailable they
// are skipped and listed in SkippedDetectors. A validation failure is
// returned as *txn.InputError. ScoreOne does not record the result.
func (e *Engine) ScoreOne(ctx context.Context, in txn.Input) (*txn.ScoredTransaction, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tx, err := in.Parse(e.cfg.Location)
	if err != nil {
		metrics.RejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}
	tx.CanonicalVendor = e.ResolveVendor(tx.VendorID)

	ctx, span := traces.StartSpan(ctx, "engine.ScoreOne",
		traces.TransactionID(tx.ID), traces.Vendor(tx.CanonicalVendor))
	defer span.End()

	model := e.activeModel()
	signals, skipped := e.runPoint(ctx, tx, e.pointContext(tx, model))

	for _, d := range e.windowed {
		if e.history == nil {
			skipped = append(skipped, d.Name())
			continue
		}
		var sigs []txn.Signal
		err := e.breaker.Do(ctx, breakerHistory, func(ctx context.Context) error {
			var err error
			sigs, err = d.Stream(ctx, tx, e.history)
			return err
		})
		if err != nil {
			e.detectorFailed(ctx, d.Name(), tx.ID, err)
			skipped = append(skipped, d.Name())
			continue
		}
		signals = append(signals, sigs...)
	}

	prior := -1
	switch {
	case len(signals) == 0:
	case e.history == nil:
		skipped = append(skipped, detectorRecency)
	default:
		n, err := e.priorFlagged(ctx, tx)
		if err != nil {
			e.detectorFailed(ctx, detectorRecency, tx.ID, err)
			skipped = append(skipped, detectorRecency)
		} else {
			prior = n
		}
	}

	if err := ctx.Err(); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	out := e.scorer.Score(tx, signals, scoring.Inputs{
		Feedback:     e.feedbackCounts(ctx, tx.CanonicalVendor),
		PriorFlagged: prior,
	})
	out.Degraded = model == nil
	out.SkippedDetectors = skipped

	metrics.ScoringDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	if out.Degraded {
		metrics.DegradedScoring.WithLabelValues("stream").Inc()
	}
	observe("stream", []*txn.ScoredTransaction{out})

	span.SetAttributes(traces.RiskScore(out.RiskScore), traces.Degraded(out.Degraded))
	logging.Or(ctx, e.logger).Debug("transaction scored",
		"transaction", tx.ID,
		"vendor", tx.CanonicalVendor,
		"score", out.RiskScore,
		"level", out.RiskLevel,
		"skipped", len(skipped))
	return out, nil
}

// priorFlagged counts the vendor's earlier transactions scored above the
// recency threshold, limited to the lookback window when one is set.
func (e *Engine) priorFlagged(ctx context.Context, tx *txn.Transaction) (int, error) {
	minScore := e.cfg.RecencyMinScore
	q := history.Query{
		Vendor:    tx.CanonicalVendor,
		MinScore:  &minScore,
		Before:    tx.Timestamp,
		ExcludeID: tx.ID,
	}
	if e.cfg.RecencyLookback > 0 {
		q.Since = tx.Timestamp.Add(-e.cfg.RecencyLookback)
	}
	var n int
	err := e.breaker.Do(ctx, breakerHistory, func(ctx context.Context) error {
		prior, err := e.history.Query(ctx, q)
		n = len(prior)
		return err
	})
	return n, err
}
