// Package scoring merges detector signals, auditor feedback and recent
// vendor history into a single deterministic risk score.
//
// Signals fall into two categories. Rule hits (duplicate, off-hours,
// frequency burst, contract split) dominate when present:
//
//	score = 0.7*maxRule + 0.3*maxProbabilistic   if any rule fired
//	score = 0.85*maxProbabilistic                otherwise
//
// Feedback then shifts the score (-0.15 for vendors dismissed three or more
// times, +0.10 for vendors escalated at least once) before clamping to
// [0.01, 1]. A transaction with no signals always scores 0.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/txn"
)

// Scorer combines signals into a ScoredTransaction.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with cfg.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Combine returns the category-weighted score before feedback, or 0 when
// signals is empty.
func (s *Scorer) Combine(signals []txn.Signal) float64 {
	var rule, prob float64
	for _, sig := range signals {
		sev := clamp(sig.Severity, 0, 1)
		if sig.Type.Category() == txn.CategoryRule {
			rule = math.Max(rule, sev)
		} else {
			prob = math.Max(prob, sev)
		}
	}
	if rule > 0 {
		return s.cfg.RuleWeight*rule + s.cfg.ProbabilisticWeight*prob
	}
	return s.cfg.ProbabilisticOnly * prob
}

// FeedbackAdjustment returns the additive shift for a vendor's feedback.
func (s *Scorer) FeedbackAdjustment(c feedback.Counts) float64 {
	var adj float64
	if s.cfg.DismissMin > 0 && c.Dismiss >= s.cfg.DismissMin {
		adj += s.cfg.DismissAdjustment
	}
	if s.cfg.EscalateMin > 0 && c.Escalate >= s.cfg.EscalateMin {
		adj += s.cfg.EscalateAdjustment
	}
	return adj
}

// RecencyBoost returns min(priorFlagged*step, cap).
func (s *Scorer) RecencyBoost(priorFlagged int) float64 {
	if priorFlagged <= 0 {
		return 0
	}
	return math.Min(float64(priorFlagged)*s.cfg.RecencyStep, s.cfg.RecencyCap)
}

// Classify maps a score to its level.
func (s *Scorer) Classify(score float64) txn.RiskLevel {
	l := s.cfg.Levels
	switch {
	case score >= l.Critical:
		return txn.LevelCritical
	case score >= l.High:
		return txn.LevelHigh
	case score >= l.Medium:
		return txn.LevelMedium
	case score >= l.Low:
		return txn.LevelLow
	default:
		return txn.LevelMinimal
	}
}

// Inputs are the per-transaction facts the scorer needs besides signals.
type Inputs struct {
	// Feedback is nil when the vendor's feedback could not be read.
	Feedback *feedback.Counts
	// PriorFlagged is the number of earlier transactions for the vendor
	// scored above RecencyMinScore. Negative disables the recency boost
	// (batch path, or a failed lookup).
	PriorFlagged int
}

// Score builds the ScoredTransaction for tx. Signals are reordered into
// declaration order; the explanation follows that order, then the feedback
// note, then the recency note.
func (s *Scorer) Score(tx *txn.Transaction, signals []txn.Signal, in Inputs) *txn.ScoredTransaction {
	ordered := make([]txn.Signal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Type.Rank() < ordered[j].Type.Rank() })

	out := &txn.ScoredTransaction{
		Transaction: *tx,
		Signals:     ordered,
		Explanation: []string{},
		Flags:       []txn.SignalType{},
		RiskLevel:   txn.LevelMinimal,
		ScoredAt:    tx.Timestamp,
	}
	if len(ordered) == 0 {
		return out
	}

	seen := make(map[txn.SignalType]bool, len(ordered))
	for _, sig := range ordered {
		out.Explanation = append(out.Explanation, sig.Description)
		if !seen[sig.Type] {
			seen[sig.Type] = true
			out.Flags = append(out.Flags, sig.Type)
		}
	}

	score := s.Combine(ordered)
	if in.Feedback != nil {
		adj := s.FeedbackAdjustment(*in.Feedback)
		if adj != 0 {
			out.FeedbackAdjustment = round4(adj)
			score += adj
			out.Explanation = append(out.Explanation, fmt.Sprintf(
				"Score adjusted by %+.2f based on historical auditor feedback for %s.",
				adj, tx.CanonicalVendor))
		}
	}
	score = clamp(score, s.cfg.ScoreFloor, 1)

	if boost := s.RecencyBoost(in.PriorFlagged); boost > 0 {
		out.RecencyBoost = round4(boost)
		score = clamp(score+boost, s.cfg.ScoreFloor, 1)
		out.Explanation = append(out.Explanation, fmt.Sprintf(
			"Vendor %s has %d previously flagged transaction(s); risk raised by %+.2f.",
			tx.CanonicalVendor, in.PriorFlagged, boost))
		if boost > s.cfg.RecencyEscalateGT {
			out.Explanation = append([]string{fmt.Sprintf(
				"ESCALATING RISK: %s shows a sustained pattern of high-risk transactions.",
				tx.CanonicalVendor)}, out.Explanation...)
		}
	}

	out.RiskScore = round4(score)
	out.RiskLevel = s.Classify(out.RiskScore)
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
