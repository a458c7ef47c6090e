// Package engine orchestrates the scoring pipeline: validate, resolve the
// vendor, extract signals, combine, classify.
//
// Two entry points share the same semantics. ScoreBatch scores a set of
// transactions against each other (windowed checks run over the batch
// sorted by time). ScoreOne scores a single transaction as it arrives and
// runs the windowed checks against persisted history instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/baseline"
	"github.com/mbd888/auditrisk/internal/circuitbreaker"
	"github.com/mbd888/auditrisk/internal/detect"
	"github.com/mbd888/auditrisk/internal/entity"
	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/history"
	"github.com/mbd888/auditrisk/internal/logging"
	"github.com/mbd888/auditrisk/internal/metrics"
	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/internal/txn"
)

// ErrNoBaselines is the only unrecoverable condition: the engine refuses to
// start without a baseline snapshot.
var ErrNoBaselines = errors.New("engine: baseline store is required")

// DefaultTimeout bounds a single scoring request.
const DefaultTimeout = 30 * time.Second

// Breaker keys.
const (
	breakerHistory  = "history"
	breakerFeedback = "feedback"
)

// Engine scores transactions. It is safe for concurrent use.
type Engine struct {
	cfg       scoring.Config
	scorer    *scoring.Scorer
	resolver  *entity.Resolver
	baselines baseline.Store
	model     anomaly.Model
	history   history.Store
	feedback  feedback.Store
	breaker   *circuitbreaker.Breaker
	point     []detect.Detector
	windowed  []detect.Windowed
	workers   int
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces scoring.DefaultConfig.
func WithConfig(cfg scoring.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithResolver shares an existing vendor registry.
func WithResolver(r *entity.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithModel sets the anomaly model. Without one the engine runs degraded.
func WithModel(m anomaly.Model) Option {
	return func(e *Engine) { e.model = m }
}

// WithHistory enables windowed and recency checks on the streaming path.
func WithHistory(h history.Store) Option {
	return func(e *Engine) { e.history = h }
}

// WithFeedback enables feedback recalibration.
func WithFeedback(f feedback.Store) Option {
	return func(e *Engine) { e.feedback = f }
}

// WithBreaker overrides the breaker guarding history and feedback lookups.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithWorkers bounds detector parallelism within a batch.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTimeout bounds each ScoreOne/ScoreBatch call. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. A nil or empty baseline store is fatal.
func New(baselines baseline.Store, opts ...Option) (*Engine, error) {
	if baselines == nil || baselines.Len() == 0 {
		return nil, ErrNoBaselines
	}
	e := &Engine{
		cfg:       scoring.DefaultConfig(),
		baselines: baselines,
		workers:   runtime.GOMAXPROCS(0),
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if e.resolver == nil {
		e.resolver = entity.NewResolver(entity.WithLogger(e.logger))
	}
	if e.breaker == nil {
		e.breaker = circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithLogger(e.logger))
	}
	e.scorer = scoring.NewScorer(e.cfg)
	e.point = detect.PointDetectors(e.cfg)
	e.windowed = detect.WindowedDetectors(e.cfg)
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() scoring.Config { return e.cfg }

// ResolveVendor maps a raw vendor id to its canonical id.
func (e *Engine) ResolveVendor(raw string) string {
	c := e.resolver.Resolve(raw)
	metrics.RegisteredVendors.Set(float64(len(e.resolver.Canonical())))
	return c
}

// LookupVendor returns the canonical id for raw without registering it.
func (e *Engine) LookupVendor(raw string) string { return e.resolver.Lookup(raw) }

// Validate checks an input the way ScoreOne does, without scoring it.
func (e *Engine) Validate(in txn.Input) error {
	if _, err := in.Parse(e.cfg.Location); err != nil {
		metrics.RejectedTotal.WithLabelValues("validation").Inc()
		return err
	}
	return nil
}

// ResolveVendors resolves a set of raw ids using the registry's batch mode.
func (e *Engine) ResolveVendors(raw []string) map[string]string {
	out := e.resolver.ResolveAll(raw)
	metrics.RegisteredVendors.Set(float64(len(e.resolver.Canonical())))
	return out
}

// VendorAliases returns the registry contents.
func (e *Engine) VendorAliases() map[string]string { return e.resolver.Snapshot() }

// ResetVendors clears the vendor registry. Administrative use only.
func (e *Engine) ResetVendors(ctx context.Context) error {
	err := e.resolver.Reset(ctx)
	metrics.RegisteredVendors.Set(0)
	e.logger.Warn("vendor registry reset")
	return err
}

// ModelInfo describes the anomaly model, or reports it unavailable.
func (e *Engine) ModelInfo() anomaly.Info {
	if e.model == nil {
		return anomaly.Unavailable{Reason: fmt.Errorf("%w: no model configured", anomaly.ErrUnavailable)}.Info()
	}
	return e.model.Info()
}

// BaselineCount returns the number of baseline groups loaded.
func (e *Engine) BaselineCount() int { return e.baselines.Len() }

// activeModel returns the model, or nil when scoring must degrade.
func (e *Engine) activeModel() anomaly.Model {
	if e.model == nil {
		return nil
	}
	if err := e.model.Ready(); err != nil {
		return nil
	}
	return e.model
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) groupKey(tx *txn.Transaction) string {
	if e.cfg.BaselineGroupBy == scoring.GroupByCategory {
		return tx.VendorCategory
	}
	return tx.DepartmentID
}

func (e *Engine) pointContext(tx *txn.Transaction, model anomaly.Model) detect.Context {
	key := e.groupKey(tx)
	p, _ := e.baselines.Get(key)
	return detect.Context{GroupKey: key, Baseline: p, Model: model}
}

// runPoint executes the point detectors. A failing detector contributes no
// signal and is reported in skipped.
func (e *Engine) runPoint(ctx context.Context, tx *txn.Transaction, dc detect.Context) (signals []txn.Signal, skipped []string) {
	for _, d := range e.point {
		sigs, err := d.Detect(ctx, tx, dc)
		if err != nil {
			e.detectorFailed(ctx, d.Name(), tx.ID, err)
			skipped = append(skipped, d.Name())
			continue
		}
		signals = append(signals, sigs...)
	}
	return signals, skipped
}

func (e *Engine) detectorFailed(ctx context.Context, name, txID string, err error) {
	metrics.DetectorFailures.WithLabelValues(name).Inc()
	logging.Or(ctx, e.logger).Warn("detector failed", "detector", name, "transaction", txID, "error", err)
}

// feedbackCounts returns nil when feedback is disabled or unreadable.
func (e *Engine) feedbackCounts(ctx context.Context, vendor string) *feedback.Counts {
	if e.feedback == nil {
		return nil
	}
	var c feedback.Counts
	err := e.breaker.Do(ctx, breakerFeedback, func(ctx context.Context) error {
		var err error
		c, err = e.feedback.Counts(ctx, vendor)
		return err
	})
	if err != nil {
		logging.Or(ctx, e.logger).Warn("feedback lookup failed", "vendor", vendor, "error", err)
		return nil
	}
	return &c
}

func observe(path string, scored []*txn.ScoredTransaction) {
	for _, s := range scored {
		metrics.TransactionsScored.WithLabelValues(path, string(s.RiskLevel)).Inc()
		for _, sig := range s.Signals {
			metrics.SignalsFired.WithLabelValues(string(sig.Type)).Inc()
		}
	}
}
