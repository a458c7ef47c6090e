package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/auditrisk/internal/history"
	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/internal/txn"
)

// groupPositions buckets positions of sorted by key, preserving order.
// Transactions with an empty key are skipped.
func groupPositions(sorted []*txn.Transaction, key func(*txn.Transaction) string) map[string][]int {
	groups := make(map[string][]int)
	for i, t := range sorted {
		k := key(t)
		if k == "" {
			continue
		}
		groups[k] = append(groups[k], i)
	}
	return groups
}

// forward returns the positions in group starting at g whose timestamp is
// strictly less than window after the anchor's.
func forward(sorted []*txn.Transaction, group []int, g int, window time.Duration) []int {
	anchor := sorted[group[g]].Timestamp
	end := g
	for end < len(group) && sorted[group[end]].Timestamp.Sub(anchor) < window {
		end++
	}
	return group[g:end]
}

// ----------------------------------------------------------------------------
// DuplicatePayment
// ----------------------------------------------------------------------------

// DuplicatePayment flags a payment to the same canonical vendor for an
// identical amount within the duplicate window of an earlier one.
type DuplicatePayment struct {
	cfg scoring.Config
}

func (d *DuplicatePayment) Name() string         { return "duplicate_payment" }
func (d *DuplicatePayment) Type() txn.SignalType { return txn.SignalDuplicate }

func (d *DuplicatePayment) Batch(sorted []*txn.Transaction) map[int][]txn.Signal {
	out := make(map[int][]txn.Signal)
	for _, group := range groupPositions(sorted, func(t *txn.Transaction) string { return t.CanonicalVendor }) {
		for g := 1; g < len(group); g++ {
			cur := sorted[group[g]]
			// Nearest earlier match wins.
			for p := g - 1; p >= 0; p-- {
				prior := sorted[group[p]]
				if cur.Timestamp.Sub(prior.Timestamp) > d.cfg.DuplicateWindow {
					break
				}
				if prior.Amount.Equal(cur.Amount) {
					out[group[g]] = []txn.Signal{d.signal(cur, prior.ID)}
					break
				}
			}
		}
	}
	return out
}

func (d *DuplicatePayment) Stream(ctx context.Context, tx *txn.Transaction, h history.Store) ([]txn.Signal, error) {
	amount := tx.Amount
	prior, err := h.Query(ctx, history.Query{
		Vendor:    tx.CanonicalVendor,
		Amount:    &amount,
		Since:     tx.Timestamp.Add(-d.cfg.DuplicateWindow),
		Before:    tx.Timestamp.Add(time.Nanosecond),
		ExcludeID: tx.ID,
	})
	if err != nil {
		return nil, err
	}
	if len(prior) == 0 {
		return nil, nil
	}
	return []txn.Signal{d.signal(tx, prior[len(prior)-1].ID)}, nil
}

func (d *DuplicatePayment) signal(tx *txn.Transaction, priorID string) txn.Signal {
	return txn.Signal{
		Type:     txn.SignalDuplicate,
		Severity: SeverityDuplicate,
		Description: fmt.Sprintf("Identical payment of %s detected for %s within %s. Matches previous transaction %s.",
			FormatAmount(tx.Amount), tx.CanonicalVendor, windowLabel(d.cfg.DuplicateWindow), priorID),
		Evidence: []string{priorID},
	}
}

// ----------------------------------------------------------------------------
// FrequencyBurst
// ----------------------------------------------------------------------------

// FrequencyBurst flags accelerated payout patterns: at least BurstMinCount
// payments to one vendor from one department inside BurstWindow.
type FrequencyBurst struct {
	cfg scoring.Config
}

func (d *FrequencyBurst) Name() string         { return "frequency_burst" }
func (d *FrequencyBurst) Type() txn.SignalType { return txn.SignalHighFrequency }

func burstKey(t *txn.Transaction) string {
	return t.CanonicalVendor + "\x00" + t.DepartmentID
}

// Batch anchors a window at each transaction and flags the anchor.
func (d *FrequencyBurst) Batch(sorted []*txn.Transaction) map[int][]txn.Signal {
	out := make(map[int][]txn.Signal)
	for _, group := range groupPositions(sorted, burstKey) {
		for g := range group {
			window := forward(sorted, group, g, d.cfg.BurstWindow)
			if len(window) < d.cfg.BurstMinCount {
				continue
			}
			members := make([]*txn.Transaction, len(window))
			for i, pos := range window {
				members[i] = sorted[pos]
			}
			out[group[g]] = []txn.Signal{d.signal(sorted[group[g]], members)}
		}
	}
	return out
}

// Stream treats tx as the end of the window.
func (d *FrequencyBurst) Stream(ctx context.Context, tx *txn.Transaction, h history.Store) ([]txn.Signal, error) {
	prior, err := h.Query(ctx, history.Query{
		Vendor:     tx.CanonicalVendor,
		Department: tx.DepartmentID,
		Since:      tx.Timestamp.Add(-d.cfg.BurstWindow + time.Nanosecond),
		Before:     tx.Timestamp.Add(time.Nanosecond),
		ExcludeID:  tx.ID,
	})
	if err != nil {
		return nil, err
	}
	if len(prior)+1 < d.cfg.BurstMinCount {
		return nil, nil
	}
	members := make([]*txn.Transaction, 0, len(prior)+1)
	for _, p := range prior {
		members = append(members, &p.Transaction)
	}
	members = append(members, tx)
	return []txn.Signal{d.signal(tx, members)}, nil
}

func (d *FrequencyBurst) signal(tx *txn.Transaction, members []*txn.Transaction) txn.Signal {
	return txn.Signal{
		Type:     txn.SignalHighFrequency,
		Severity: SeverityBurst,
		Description: fmt.Sprintf("Vendor %s received %d payments within a %s window, indicating an accelerated payout pattern.",
			tx.CanonicalVendor, len(members), windowLabel(d.cfg.BurstWindow)),
		Evidence: ids(members),
	}
}

// ----------------------------------------------------------------------------
// ContractSplit
// ----------------------------------------------------------------------------

// ContractSplit flags projects with at least SplitMinCount payments inside
// SplitWindow whose total stays below SplitCeiling, the pattern of a large
// contract broken up to avoid approval.
type ContractSplit struct {
	cfg scoring.Config
}

func (d *ContractSplit) Name() string         { return "contract_split" }
func (d *ContractSplit) Type() txn.SignalType { return txn.SignalContractSplit }

// Batch anchors a window at each transaction of a project; a qualifying
// window flags its earliest transaction.
func (d *ContractSplit) Batch(sorted []*txn.Transaction) map[int][]txn.Signal {
	out := make(map[int][]txn.Signal)
	for _, group := range groupPositions(sorted, func(t *txn.Transaction) string { return t.ProjectID }) {
		for g := range group {
			window := forward(sorted, group, g, d.cfg.SplitWindow)
			if len(window) < d.cfg.SplitMinCount {
				continue
			}
			members := make([]*txn.Transaction, len(window))
			for i, pos := range window {
				members[i] = sorted[pos]
			}
			if sig, ok := d.evaluate(sorted[group[g]], members); ok {
				out[group[g]] = []txn.Signal{sig}
			}
		}
	}
	return out
}

// Stream counts tx together with prior project payments in the window
// ending at tx.
func (d *ContractSplit) Stream(ctx context.Context, tx *txn.Transaction, h history.Store) ([]txn.Signal, error) {
	if tx.ProjectID == "" {
		return nil, nil
	}
	prior, err := h.Query(ctx, history.Query{
		Project:   tx.ProjectID,
		Since:     tx.Timestamp.Add(-d.cfg.SplitWindow + time.Nanosecond),
		Before:    tx.Timestamp.Add(time.Nanosecond),
		ExcludeID: tx.ID,
	})
	if err != nil {
		return nil, err
	}
	if len(prior)+1 < d.cfg.SplitMinCount {
		return nil, nil
	}
	members := make([]*txn.Transaction, 0, len(prior)+1)
	for _, p := range prior {
		members = append(members, &p.Transaction)
	}
	members = append(members, tx)
	if sig, ok := d.evaluate(tx, members); ok {
		return []txn.Signal{sig}, nil
	}
	return nil, nil
}

func (d *ContractSplit) evaluate(tx *txn.Transaction, members []*txn.Transaction) (txn.Signal, bool) {
	total := decimal.Zero
	for _, m := range members {
		total = total.Add(m.Amount)
	}
	if !total.LessThan(d.cfg.SplitCeiling) {
		return txn.Signal{}, false
	}
	return txn.Signal{
		Type:     txn.SignalContractSplit,
		Severity: SeveritySplit,
		Description: fmt.Sprintf("Project %s flagged for potential contract splitting: %d transactions totalling %s within %s, under the %s approval threshold.",
			tx.ProjectID, len(members), FormatAmount(total), windowLabel(d.cfg.SplitWindow), FormatAmount(d.cfg.SplitCeiling)),
		Evidence: ids(members),
	}, true
}

// windowLabel renders whole-day windows as days and the rest as hours.
func windowLabel(w time.Duration) string {
	if w >= 72*time.Hour && w%(24*time.Hour) == 0 {
		return fmt.Sprintf("%d days", int(w/(24*time.Hour)))
	}
	return fmt.Sprintf("%dh", int(w.Hours()))
}
