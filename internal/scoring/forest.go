package scoring

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

const eulerGamma = 0.5772156649

// Forest is an isolation forest.
type Forest struct {
	SampleSize int     `json:"sampleSize"`
	Trees      []*Node `json:"trees"`
}

// Node is an isolation tree node. Leaves have no children and carry the
// number of training samples that reached them.
type Node struct {
	Feature int     `json:"feature,omitempty"`
	Split   float64 `json:"split,omitempty"`
	Size    int     `json:"size,omitempty"`
	Left    *Node   `json:"left,omitempty"`
	Right   *Node   `json:"right,omitempty"`
}

func (n *Node) leaf() bool {
	return n.Left == nil && n.Right == nil
}

func (n *Node) validate(features int) error {
	if n == nil {
		return errors.New("nil node")
	}
	if n.leaf() {
		return nil
	}
	if n.Left == nil || n.Right == nil {
		return errors.New("internal node needs two children")
	}
	if n.Feature < 0 || n.Feature >= features {
		return fmt.Errorf("feature index %d out of range", n.Feature)
	}
	if err := n.Left.validate(features); err != nil {
		return err
	}
	return n.Right.validate(features)
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

func (f *Forest) score(names []string, x []float64) (float64, []events.Contribution) {
	isolations := make([]float64, len(names))
	var total float64

	for _, root := range f.Trees {
		depth, lastFeature := pathLength(root, x)
		total += depth
		if lastFeature >= 0 && depth > 0 {
			isolations[lastFeature] += 1 / depth
		}
	}

	mean := total / float64(len(f.Trees))
	score := math.Pow(2, -mean/averagePathLength(f.SampleSize))

	contributions := make([]events.Contribution, 0, len(names))
	for i, name := range names {
		contributions = append(contributions, events.Contribution{
			Feature: name,
			Value:   x[i],
			Weight:  isolations[i] / float64(len(f.Trees)),
		})
	}

	return score, contributions
}

// pathLength returns the adjusted path length of x and the feature of the
// split that isolated it.
func pathLength(n *Node, x []float64) (float64, int) {
	depth := 0.0
	lastFeature := -1
	for !n.leaf() {
		lastFeature = n.Feature
		if x[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return depth + averagePathLength(n.Size), lastFeature
}

// ForestOptions configures TrainForest.
type ForestOptions struct {
	Trees      int
	SampleSize int
	Seed       uint64
}

// DefaultForestOptions returns the training defaults.
func DefaultForestOptions() ForestOptions {
	return ForestOptions{Trees: 100, SampleSize: 256, Seed: 42}
}

// TrainForest fits an isolation forest on rows of feature values ordered as
// names. Training is deterministic for a given seed.
func TrainForest(version string, names []string, rows [][]float64, opts ForestOptions) (*Model, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("need at least 2 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if len(r) != len(names) {
			return nil, fmt.Errorf("row %d has %d values for %d features", i, len(r), len(names))
		}
	}

	sampleSize := min(opts.SampleSize, len(rows))
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	forest := &Forest{SampleSize: sampleSize}
	for range opts.Trees {
		perm := rng.Perm(len(rows))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for i, idx := range perm {
			sample[i] = rows[idx]
		}
		forest.Trees = append(forest.Trees, growTree(rng, sample, 0, heightLimit, len(names)))
	}

	m := &Model{
		Version:  version,
		Kind:     KindIsolationForest,
		Features: names,
		Forest:   forest,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func growTree(rng *rand.Rand, rows [][]float64, depth, limit, features int) *Node {
	if depth >= limit || len(rows) <= 1 {
		return &Node{Size: len(rows)}
	}

	// Only features that vary in this partition can split it.
	candidates := make([]int, 0, features)
	lows := make([]float64, features)
	highs := make([]float64, features)
	for f := range features {
		lo, hi := rows[0][f], rows[0][f]
		for _, r := range rows[1:] {
			lo = math.Min(lo, r[f])
			hi = math.Max(hi, r[f])
		}
		lows[f], highs[f] = lo, hi
		if hi > lo {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &Node{Size: len(rows)}
	}

	f := candidates[rng.IntN(len(candidates))]
	split := lows[f] + rng.Float64()*(highs[f]-lows[f])
	if split <= lows[f] {
		split = math.Nextafter(lows[f], highs[f])
	}

	var left, right [][]float64
	for _, r := range rows {
		if r[f] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &Node{
		Feature: f,
		Split:   split,
		Left:    growTree(rng, left, depth+1, limit, features),
		Right:   growTree(rng, right, depth+1, limit, features),
	}
}
