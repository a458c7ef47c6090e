package anomaly

import (
	"math"
	"math/rand/v2"
)

// TrainOptions controls offline forest construction.
type TrainOptions struct {
	Trees      int
	SampleSize int
	Threshold  float64
	Seed       uint64
}

// DefaultTrainOptions mirrors the usual isolation forest defaults.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Trees: 100, SampleSize: 256, Threshold: DefaultThreshold, Seed: 42}
}

// Train builds a forest from historical amounts. It is used by offline
// tooling; the scoring path only loads finished artifacts. The result is
// deterministic for a given seed.
func Train(amounts []float64, opts TrainOptions) *Forest {
	if opts.Trees <= 0 {
		opts.Trees = 100
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	psi := min(opts.SampleSize, len(amounts))
	if psi <= 0 {
		psi = len(amounts)
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	limit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	f := &Forest{SampleSize: psi, Threshold: opts.Threshold}
	for range opts.Trees {
		sample := make([]float64, psi)
		perm := rng.Perm(len(amounts))
		for i := range psi {
			sample[i] = amounts[perm[i]]
		}
		b := &treeBuilder{rng: rng, limit: limit}
		b.build(sample, 0)
		f.Trees = append(f.Trees, Tree{Nodes: b.nodes})
	}
	return f
}

type treeBuilder struct {
	rng   *rand.Rand
	limit int
	nodes []Node
}

func (b *treeBuilder) build(points []float64, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: len(points)})
	if depth >= b.limit || len(points) <= 1 {
		return idx
	}
	lo, hi := points[0], points[0]
	for _, p := range points[1:] {
		lo = min(lo, p)
		hi = max(hi, p)
	}
	if lo == hi {
		return idx
	}

	split := lo + b.rng.Float64()*(hi-lo)
	var left, right []float64
	for _, p := range points {
		if p < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx] = Node{Split: split, Left: l, Right: r, Size: len(points)}
	return idx
}
