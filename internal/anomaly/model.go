// Package anomaly evaluates an externally trained isolation forest over the
// transaction amount. The model is loaded from a JSON artifact and never
// retrained while scoring.
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrUnavailable means no usable model is loaded. The engine falls back to
// rule and statistics-only scoring.
var ErrUnavailable = errors.New("anomaly: model unavailable")

// DefaultThreshold is the anomaly score above which a point is anomalous.
const DefaultThreshold = 0.6

// Label is the model's binary verdict.
type Label int

const (
	Normal Label = iota
	Anomalous
)

func (l Label) String() string {
	if l == Anomalous {
		return "anomalous"
	}
	return "normal"
}

// Model is the read-only interface consumed by the anomaly detector.
type Model interface {
	// Ready returns ErrUnavailable (possibly wrapped) when the model cannot
	// be evaluated.
	Ready() error
	Predict(amount float64) (Label, error)
	// Score returns an anomaly score in [0,1]; higher is more anomalous.
	Score(amount float64) (float64, error)
	Info() Info
}

// Model statuses reported by Info.
const (
	StatusReady       = "ready"
	StatusUnavailable = "unavailable"
)

// Info describes a loaded model.
type Info struct {
	Status     string   `json:"status"`
	ModelType  string   `json:"modelType"`
	Trees      int      `json:"trees"`
	SampleSize int      `json:"sampleSize"`
	Threshold  float64  `json:"threshold"`
	Features   []string `json:"features"`
	// Detail says why the model is unavailable.
	Detail     string   `json:"detail,omitempty"`
}

// Node is one isolation tree node. Leaves have Left == Right == -1.
type Node struct {
	Split float64 `json:"split"`
	Left  int     `json:"left"`
	Right int     `json:"right"`
	Size  int     `json:"size"`
}

// Tree is a flattened isolation tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is an isolation forest over a single feature.
type Forest struct {
	SampleSize int     `json:"sampleSize"`
	Threshold  float64 `json:"threshold"`
	Trees      []Tree  `json:"trees"`
}

var _ Model = (*Forest)(nil)

// LoadFile reads a forest artifact. Any failure is reported as
// ErrUnavailable so callers can degrade.
func LoadFile(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: corrupt artifact: %v", ErrUnavailable, err)
	}
	if f.Threshold == 0 {
		f.Threshold = DefaultThreshold
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// WriteFile stores the forest as JSON.
func (f *Forest) WriteFile(path string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Ready is a constant-time check. Tree structure is validated once, by
// LoadFile.
func (f *Forest) Ready() error {
	if f == nil || len(f.Trees) == 0 || f.SampleSize < 2 {
		return ErrUnavailable
	}
	return nil
}

func (f *Forest) validate() error {
	if err := f.Ready(); err != nil {
		return err
	}
	for i, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d is empty", ErrUnavailable, i)
		}
		for j, n := range t.Nodes {
			if n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) || (n.Left < 0) != (n.Right < 0) {
				return fmt.Errorf("%w: tree %d node %d has invalid children", ErrUnavailable, i, j)
			}
		}
	}
	return nil
}

func (f *Forest) Score(amount float64) (float64, error) {
	if err := f.Ready(); err != nil {
		return 0, err
	}
	var total float64
	for _, t := range f.Trees {
		total += t.pathLength(amount)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/averagePathLength(f.SampleSize)), nil
}

func (f *Forest) Predict(amount float64) (Label, error) {
	s, err := f.Score(amount)
	if err != nil {
		return Normal, err
	}
	if s > f.Threshold {
		return Anomalous, nil
	}
	return Normal, nil
}

func (f *Forest) Info() Info {
	info := Info{
		ModelType: "IsolationForest",
		Features:  []string{"amount"},
		Status:    StatusReady,
	}
	if err := f.Ready(); err != nil {
		info.Status = StatusUnavailable
		info.Detail = err.Error()
		if f == nil {
			return info
		}
	}
	info.Trees = len(f.Trees)
	info.SampleSize = f.SampleSize
	info.Threshold = f.Threshold
	return info
}

// pathLength walks the tree; the depth is bounded by the node count so a
// malformed cycle cannot loop forever.
func (t Tree) pathLength(x float64) float64 {
	idx, depth := 0, 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := t.Nodes[idx]
		if n.Left < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x < n.Split {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
	return float64(depth)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

const eulerGamma = 0.5772156649015329

// Unavailable is the Model used when no artifact could be loaded.
type Unavailable struct {
	Reason error
}

var _ Model = Unavailable{}

func (u Unavailable) Ready() error {
	if u.Reason != nil {
		return u.Reason
	}
	return ErrUnavailable
}

func (u Unavailable) Predict(float64) (Label, error) { return Normal, u.Ready() }
func (u Unavailable) Score(float64) (float64, error) { return 0, u.Ready() }

func (u Unavailable) Info() Info {
	return Info{
		Status:    StatusUnavailable,
		ModelType: "IsolationForest",
		Features:  []string{"amount"},
		Detail:    u.Ready().Error(),
	}
}
