package scoring

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// Isolation forest defaults, matching the shipped model configuration.
const (
	forestTrees       = 100
	forestSampleSize  = 256
	forestContaminate = 0.1
	forestSeed        = 42
)

// forestNode is one node of an isolation tree. Leaves carry the number of
// samples that reached them so path lengths can be extended by the expected
// depth of an unbuilt subtree.
type forestNode struct {
	SplitAttr int         `json:"split_attr"`
	SplitVal  float64     `json:"split_val"`
	Left      *forestNode `json:"left,omitempty"`
	Right     *forestNode `json:"right,omitempty"`
	Size      int         `json:"size"`
	Leaf      bool        `json:"leaf"`
}

// ForestModel is a trained isolation forest plus its standardizer and the
// raw-score cutoff below which a sample counts as an anomaly.
type ForestModel struct {
	Trees      []*forestNode `json:"trees"`
	SampleSize int           `json:"sample_size"`
	Width      int           `json:"width"`
	Offset     float64       `json:"offset"`
	Scaler     *Standardizer `json:"scaler"`
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}

func buildTree(x [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) *forestNode {
	if depth >= maxDepth || len(idx) <= 1 {
		return &forestNode{Leaf: true, Size: len(idx)}
	}
	width := len(x[0])
	attr := rng.Intn(width)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		v := x[i][attr]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return &forestNode{Leaf: true, Size: len(idx)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right []int
	for _, i := range idx {
		if x[i][attr] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &forestNode{
		SplitAttr: attr,
		SplitVal:  split,
		Left:      buildTree(x, left, depth+1, maxDepth, rng),
		Right:     buildTree(x, right, depth+1, maxDepth, rng),
		Size:      len(idx),
	}
}

func pathLength(n *forestNode, row []float64, depth float64) float64 {
	if n.Leaf {
		return depth + averagePathLength(n.Size)
	}
	if row[n.SplitAttr] < n.SplitVal {
		return pathLength(n.Left, row, depth+1)
	}
	return pathLength(n.Right, row, depth+1)
}

// FitForest trains an isolation forest on the raw training matrix. The
// standardizer is fit on the same data and applied before building trees.
// The anomaly cutoff is set so the configured contamination fraction of the
// training data scores below it.
func FitForest(training [][]float64) (*ForestModel, error) {
	if len(training) == 0 || len(training[0]) == 0 {
		return nil, errors.New("empty training data")
	}
	if err := checkRectangular(training); err != nil {
		return nil, err
	}
	scaler := FitStandardizer(training)
	x, err := scaler.Transform(training)
	if err != nil {
		return nil, err
	}

	sample := forestSampleSize
	if sample > len(x) {
		sample = len(x)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample))))
	if maxDepth < 1 {
		maxDepth = 1
	}
	rng := rand.New(rand.NewSource(forestSeed))

	trees := make([]*forestNode, forestTrees)
	for t := range trees {
		idx := rng.Perm(len(x))[:sample]
		trees[t] = buildTree(x, idx, 0, maxDepth, rng)
	}

	m := &ForestModel{
		Trees:      trees,
		SampleSize: sample,
		Width:      scaler.Width(),
		Scaler:     scaler,
	}
	m.Offset = quantile(m.rawScores(x), forestContaminate)
	return m, nil
}

// rawScores computes the sklearn-style raw score per standardized row: the
// negated isolation score, so lower means more anomalous.
func (m *ForestModel) rawScores(x [][]float64) []float64 {
	c := averagePathLength(m.SampleSize)
	scores := make([]float64, len(x))
	for i, row := range x {
		var sum float64
		for _, tree := range m.Trees {
			sum += pathLength(tree, row, 0)
		}
		mean := sum / float64(len(m.Trees))
		scores[i] = -math.Pow(2, -mean/c)
	}
	return scores
}

// Score standardizes the batch with the training-time moments, computes raw
// anomaly scores and flags samples below the trained cutoff. Raw scores are
// the caller's to normalize.
func (m *ForestModel) Score(features [][]float64) (raw []float64, anomalies int, err error) {
	x, err := m.Scaler.Transform(features)
	if err != nil {
		return nil, 0, err
	}
	raw = m.rawScores(x)
	for _, s := range raw {
		if s < m.Offset {
			anomalies++
		}
	}
	return raw, anomalies, nil
}

// quantile returns the q-th quantile of values, nearest-rank.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := int(q * float64(len(sorted)))
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
