// Package baseline holds per-group amount statistics used by the outlier
// detector. Profiles are produced offline and loaded once as a read-only
// snapshot; nothing here re-estimates them at scoring time.
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
)

// ErrNoBaselines is returned when a snapshot cannot be built.
var ErrNoBaselines = errors.New("baseline: no baseline profiles available")

// Profile describes the amount distribution of one grouping key.
type Profile struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Q1    float64 `json:"q1"`
	Q3    float64 `json:"q3"`
	Count int     `json:"count,omitempty"`
}

// IQR returns Q3 - Q1.
func (p Profile) IQR() float64 { return p.Q3 - p.Q1 }

// Store is the read side consumed by detectors.
type Store interface {
	Get(key string) (*Profile, bool)
	Len() int
}

// Snapshot is an immutable Store.
type Snapshot struct {
	profiles map[string]Profile
}

var _ Store = (*Snapshot)(nil)

// NewSnapshot copies profiles into a new snapshot.
func NewSnapshot(profiles map[string]Profile) *Snapshot {
	m := make(map[string]Profile, len(profiles))
	for k, v := range profiles {
		m[k] = v
	}
	return &Snapshot{profiles: m}
}

// Get returns a copy of the profile for key.
func (s *Snapshot) Get(key string) (*Profile, bool) {
	p, ok := s.profiles[key]
	if !ok {
		return nil, false
	}
	return &p, true
}

// Len returns the number of grouping keys.
func (s *Snapshot) Len() int { return len(s.profiles) }

// Keys returns grouping keys in sorted order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.profiles))
	for k := range s.profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Profiles returns a copy of all profiles.
func (s *Snapshot) Profiles() map[string]Profile {
	m := make(map[string]Profile, len(s.profiles))
	for k, v := range s.profiles {
		m[k] = v
	}
	return m
}

// artifact is the on-disk JSON layout.
type artifact struct {
	GroupBy  string             `json:"groupBy,omitempty"`
	Profiles map[string]Profile `json:"profiles"`
}

// LoadFile reads a JSON baseline artifact.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read baselines: %w", err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse baselines: %w", err)
	}
	if len(a.Profiles) == 0 {
		return nil, ErrNoBaselines
	}
	return NewSnapshot(a.Profiles), nil
}

// WriteFile writes s as a JSON baseline artifact.
func WriteFile(path, groupBy string, s *Snapshot) error {
	data, err := json.MarshalIndent(artifact{GroupBy: groupBy, Profiles: s.profiles}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode baselines: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Compute derives a profile from historical amounts: population standard
// deviation and linearly interpolated quartiles.
func Compute(amounts []float64) Profile {
	n := len(amounts)
	if n == 0 {
		return Profile{}
	}
	sorted := make([]float64, n)
	copy(sorted, amounts)
	sort.Float64s(sorted)

	var sum float64
	for _, a := range sorted {
		sum += a
	}
	mean := sum / float64(n)

	var sq float64
	for _, a := range sorted {
		d := a - mean
		sq += d * d
	}

	return Profile{
		Mean:  mean,
		Std:   math.Sqrt(sq / float64(n)),
		Q1:    quantile(sorted, 0.25),
		Q3:    quantile(sorted, 0.75),
		Count: n,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Loader produces a snapshot from a backing store.
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}
