// Package entity resolves raw vendor identifiers to canonical vendor ids.
//
// Resolution is greedy by default: an unseen id is compared against every
// canonical id in registration order and joins the first one that matches,
// either by case-insensitive substring containment or by Levenshtein
// similarity at or above the threshold. Unmatched ids become new canonical
// ids. The outcome therefore depends on the order in which ids are first
// seen; ModeSymmetric makes ResolveAll order-independent within a batch.
package entity

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/auditrisk/internal/txn"
)

// DefaultThreshold is the minimum similarity for a fuzzy match.
const DefaultThreshold = 0.6

// Mode selects how ResolveAll treats ids first seen in the same batch.
type Mode string

const (
	ModeGreedy    Mode = "greedy"
	ModeSymmetric Mode = "symmetric"
)

const persistTimeout = 2 * time.Second

// Resolver is the vendor registry. It is safe for concurrent use; new
// registrations are serialized.
type Resolver struct {
	mu        sync.RWMutex
	aliases   map[string]string // normalised raw id -> canonical id
	canonical []string          // canonical ids in registration order
	normCanon []string          // normalised form of canonical[i]
	seq       int64

	threshold float64
	mode      Mode
	store     AliasStore
	logger    *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(r *Resolver) { r.threshold = t }
}

// WithMode selects greedy or symmetric batch resolution.
func WithMode(m Mode) Option {
	return func(r *Resolver) { r.mode = m }
}

// WithStore persists registrations to s.
func WithStore(s AliasStore) Option {
	return func(r *Resolver) { r.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates an empty registry.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		aliases:   make(map[string]string),
		threshold: DefaultThreshold,
		mode:      ModeGreedy,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the configured batch mode.
func (r *Resolver) Mode() Mode { return r.mode }

// Load hydrates the registry from the alias store. Existing in-memory
// entries are kept.
func (r *Resolver) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	aliases, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range aliases {
		if _, ok := r.aliases[a.Alias]; ok {
			continue
		}
		r.aliases[a.Alias] = a.Canonical
		if normalize(a.Canonical) == a.Alias {
			r.canonical = append(r.canonical, a.Canonical)
			r.normCanon = append(r.normCanon, a.Alias)
		}
		if a.Seq > r.seq {
			r.seq = a.Seq
		}
	}
	return nil
}

// Resolve returns the canonical id for raw, registering it when unseen.
// Blank ids resolve to txn.Unknown. Resolve never fails.
func (r *Resolver) Resolve(raw string) string {
	trimmed := strings.TrimSpace(raw)
	norm := normalize(trimmed)
	if norm == "" || norm == strings.ToLower(txn.Unknown) {
		return txn.Unknown
	}

	r.mu.RLock()
	c, ok := r.aliases[norm]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	if c, ok := r.aliases[norm]; ok {
		r.mu.Unlock()
		return c
	}
	c = r.matchLocked(norm)
	if c == "" {
		c = trimmed
		r.canonical = append(r.canonical, c)
		r.normCanon = append(r.normCanon, norm)
	}
	a := r.registerLocked(norm, c)
	r.mu.Unlock()

	r.persist(a)
	return c
}

// Lookup returns the id Resolve would return without registering anything.
// An unseen id that matches nothing maps to its trimmed self.
func (r *Resolver) Lookup(raw string) string {
	trimmed := strings.TrimSpace(raw)
	norm := normalize(trimmed)
	if norm == "" || norm == strings.ToLower(txn.Unknown) {
		return txn.Unknown
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.aliases[norm]; ok {
		return c
	}
	if c := r.matchLocked(norm); c != "" {
		return c
	}
	return trimmed
}

// ResolveAll resolves ids and returns raw -> canonical. In greedy mode ids
// are registered in slice order. In symmetric mode unseen ids are clustered
// by union-find over all pairwise matches, so the result does not depend on
// the order of ids.
func (r *Resolver) ResolveAll(ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	if r.mode != ModeSymmetric {
		for _, id := range ids {
			out[id] = r.Resolve(id)
		}
		return out
	}

	r.mu.Lock()
	var pending []Alias
	defer func() {
		r.mu.Unlock()
		r.persist(pending...)
	}()

	// Distinct unseen normalised ids, each with its smallest raw spelling.
	spelling := make(map[string]string)
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		norm := normalize(trimmed)
		if norm == "" || norm == strings.ToLower(txn.Unknown) {
			continue
		}
		if _, ok := r.aliases[norm]; ok {
			continue
		}
		if cur, ok := spelling[norm]; !ok || trimmed < cur {
			spelling[norm] = trimmed
		}
	}
	unseen := make([]string, 0, len(spelling))
	for n := range spelling {
		unseen = append(unseen, n)
	}
	sort.Strings(unseen)

	// Nodes 0..len(normCanon)-1 are existing canonicals; the rest are unseen.
	base := len(r.normCanon)
	uf := newUnionFind(base + len(unseen))
	for i, u := range unseen {
		for j, c := range r.normCanon {
			if r.matches(u, c) {
				uf.union(base+i, j)
			}
		}
		for k := i + 1; k < len(unseen); k++ {
			if r.matches(u, unseen[k]) {
				uf.union(base+i, base+k)
			}
		}
	}

	// Representative per component: earliest existing canonical, else the
	// lexicographically smallest unseen id (unseen is sorted).
	rep := make(map[int]string)
	for j := range r.normCanon {
		root := uf.find(j)
		if _, ok := rep[root]; !ok {
			rep[root] = r.canonical[j]
		}
	}
	for i, u := range unseen {
		root := uf.find(base + i)
		c, ok := rep[root]
		if !ok {
			c = spelling[u]
			rep[root] = c
			r.canonical = append(r.canonical, c)
			r.normCanon = append(r.normCanon, u)
		}
		pending = append(pending, r.registerLocked(u, c))
	}

	for _, id := range ids {
		norm := normalize(id)
		if c, ok := r.aliases[norm]; ok {
			out[id] = c
		} else {
			out[id] = txn.Unknown
		}
	}
	return out
}

// Snapshot returns a copy of the registry as normalised alias -> canonical.
func (r *Resolver) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Canonical returns the canonical ids in registration order.
func (r *Resolver) Canonical() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.canonical))
	copy(out, r.canonical)
	return out
}

// Reset clears the registry and the backing store. It is an administrative
// operation; nothing in the scoring path calls it.
func (r *Resolver) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases = make(map[string]string)
	r.canonical = nil
	r.normCanon = nil
	r.seq = 0
	if r.store != nil {
		return r.store.Clear(ctx)
	}
	return nil
}

func (r *Resolver) matchLocked(norm string) string {
	for i, c := range r.normCanon {
		if r.matches(norm, c) {
			return r.canonical[i]
		}
	}
	return ""
}

func (r *Resolver) matches(a, b string) bool {
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return Similarity(a, b) >= r.threshold
}

// registerLocked records the alias in memory and returns it for persist,
// which must run after the lock is released.
func (r *Resolver) registerLocked(norm, canonical string) Alias {
	r.aliases[norm] = canonical
	r.seq++
	return Alias{Alias: norm, Canonical: canonical, Seq: r.seq, CreatedAt: time.Now().UTC()}
}

func (r *Resolver) persist(aliases ...Alias) {
	if r.store == nil || len(aliases) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	for _, a := range aliases {
		if err := r.store.Save(ctx, a); err != nil {
			r.logger.Warn("failed to persist vendor alias", "alias", a.Alias, "canonical", a.Canonical, "error", err)
		}
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union keeps the smaller root so existing canonicals stay representatives.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
