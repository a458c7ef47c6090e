package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/benford"
	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/idgen"
	"github.com/mbd888/auditrisk/internal/logging"
	"github.com/mbd888/auditrisk/internal/metrics"
	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/internal/traces"
	"github.com/mbd888/auditrisk/internal/txn"
)

// FlaggedThreshold is the score above which a transaction counts as flagged
// in a batch summary.
const FlaggedThreshold = 0.5

// Rejection records an input that could not be scored.
type Rejection struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Stage  string `json:"stage"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// Summary aggregates a batch.
type Summary struct {
	Total         int                   `json:"total"`
	Scored        int                   `json:"scored"`
	Rejected      int                   `json:"rejected"`
	Flagged       int                   `json:"flagged"`
	ByLevel       map[txn.RiskLevel]int `json:"byLevel"`
	FlaggedAmount decimal.Decimal       `json:"flaggedAmount"`
	DetectionRate float64               `json:"detectionRate"`
}

// BatchResult is the outcome of ScoreBatch. Scored preserves input order
// minus rejected records.
type BatchResult struct {
	BatchID       string                   `json:"batchId"`
	Scored        []*txn.ScoredTransaction `json:"scored"`
	Rejected      []Rejection              `json:"rejected"`
	RejectedCount int                      `json:"rejectedCount"`
	Degraded      bool                     `json:"degraded"`
	Summary       Summary                  `json:"summary"`
	Benford       *benford.Result          `json:"benford,omitempty"`
}

// ScoreBatch scores inputs against each other. Invalid records are rejected
// individually; the rest of the batch is still scored. The only error
// returned is the context's.
func (e *Engine) ScoreBatch(ctx context.Context, inputs []txn.Input) (*BatchResult, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	batchID := idgen.WithPrefix("batch_")
	ctx = logging.WithBatchID(ctx, batchID)
	ctx, span := traces.StartSpan(ctx, "engine.ScoreBatch", traces.BatchSize(len(inputs)))
	defer span.End()
	log := logging.Or(ctx, e.logger)

	res := &BatchResult{BatchID: batchID, Scored: []*txn.ScoredTransaction{}, Rejected: []Rejection{}}

	// Parse. idx maps a parsed transaction back to its input position.
	parsed := make([]*txn.Transaction, 0, len(inputs))
	idx := make(map[*txn.Transaction]int, len(inputs))
	for i, in := range inputs {
		tx, err := in.Parse(e.cfg.Location)
		if err != nil {
			res.Rejected = append(res.Rejected, rejection(i, in.ID, "validation", err))
			continue
		}
		parsed = append(parsed, tx)
		idx[tx] = i
	}

	// Resolve in input order so greedy registration is reproducible.
	raw := make([]string, len(parsed))
	for i, tx := range parsed {
		raw[i] = tx.VendorID
	}
	canonical := e.ResolveVendors(raw)
	for _, tx := range parsed {
		tx.CanonicalVendor = canonical[tx.VendorID]
	}

	sorted := make([]*txn.Transaction, len(parsed))
	copy(sorted, parsed)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return idx[sorted[i]] < idx[sorted[j]]
	})

	windowed := make([][]txn.Signal, len(sorted))
	for _, d := range e.windowed {
		for pos, sigs := range d.Batch(sorted) {
			windowed[pos] = append(windowed[pos], sigs...)
		}
	}

	model := e.activeModel()
	res.Degraded = model == nil

	fb := make(map[string]*feedback.Counts)
	for _, tx := range sorted {
		if _, ok := fb[tx.CanonicalVendor]; !ok {
			fb[tx.CanonicalVendor] = e.feedbackCounts(ctx, tx.CanonicalVendor)
		}
	}

	scored := make([]*txn.ScoredTransaction, len(sorted))
	failed := make([]error, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for pos, tx := range sorted {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			s, err := e.scoreBatchOne(gctx, tx, windowed[pos], fb[tx.CanonicalVendor], model)
			if err != nil {
				failed[pos] = err
				return nil
			}
			scored[pos] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	// Back to input order.
	order := make([]int, 0, len(sorted))
	for pos := range sorted {
		order = append(order, pos)
	}
	sort.Slice(order, func(a, b int) bool { return idx[sorted[order[a]]] < idx[sorted[order[b]]] })
	for _, pos := range order {
		if err := failed[pos]; err != nil {
			res.Rejected = append(res.Rejected, Rejection{
				Index:  idx[sorted[pos]],
				ID:     sorted[pos].ID,
				Stage:  "scoring",
				Reason: err.Error(),
			})
			continue
		}
		res.Scored = append(res.Scored, scored[pos])
	}
	sort.SliceStable(res.Rejected, func(i, j int) bool { return res.Rejected[i].Index < res.Rejected[j].Index })

	for _, r := range res.Rejected {
		metrics.RejectedTotal.WithLabelValues(r.Stage).Inc()
	}
	metrics.BatchSize.Observe(float64(len(inputs)))
	metrics.ScoringDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	if res.Degraded {
		metrics.DegradedScoring.WithLabelValues("batch").Inc()
	}
	observe("batch", res.Scored)

	res.RejectedCount = len(res.Rejected)
	res.Summary = summarize(len(inputs), res.Scored, res.RejectedCount)
	amounts := make([]decimal.Decimal, len(res.Scored))
	for i, s := range res.Scored {
		amounts[i] = s.Amount
	}
	res.Benford = benford.Analyze(amounts)

	span.SetAttributes(traces.Degraded(res.Degraded))
	log.Info("batch scored",
		"total", res.Summary.Total,
		"scored", res.Summary.Scored,
		"rejected", res.Summary.Rejected,
		"flagged", res.Summary.Flagged,
		"degraded", res.Degraded,
		"duration", time.Since(start))
	return res, nil
}

// scoreBatchOne runs the point detectors for one transaction and combines
// them with its windowed signals. A panicking detector becomes an error.
func (e *Engine) scoreBatchOne(ctx context.Context, tx *txn.Transaction, windowed []txn.Signal, fb *feedback.Counts, model anomaly.Model) (out *txn.ScoredTransaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scoring panicked: %v", r)
			logging.Or(ctx, e.logger).Error("scoring panicked", "transaction", tx.ID, "panic", r)
		}
	}()

	point, skipped := e.runPoint(ctx, tx, e.pointContext(tx, model))
	signals := append(append([]txn.Signal{}, windowed...), point...)
	out = e.scorer.Score(tx, signals, scoring.Inputs{Feedback: fb, PriorFlagged: -1})
	out.Degraded = model == nil
	out.SkippedDetectors = skipped
	return out, nil
}

func rejection(index int, id, stage string, err error) Rejection {
	r := Rejection{Index: index, ID: id, Stage: stage, Reason: err.Error()}
	var ie *txn.InputError
	if errors.As(err, &ie) {
		r.Field = ie.Field
		r.Reason = ie.Reason
	}
	return r
}

func summarize(total int, scored []*txn.ScoredTransaction, rejected int) Summary {
	s := Summary{
		Total:         total,
		Scored:        len(scored),
		Rejected:      rejected,
		ByLevel:       make(map[txn.RiskLevel]int, len(txn.Levels)),
		FlaggedAmount: decimal.Zero,
	}
	for _, l := range txn.Levels {
		s.ByLevel[l] = 0
	}
	for _, st := range scored {
		s.ByLevel[st.RiskLevel]++
		if st.RiskScore > FlaggedThreshold {
			s.Flagged++
			s.FlaggedAmount = s.FlaggedAmount.Add(st.Amount)
		}
	}
	if s.Scored > 0 {
		s.DetectionRate = math.Round(float64(s.Flagged)/float64(s.Scored)*10000) / 10000
	}
	return s
}
