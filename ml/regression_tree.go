package ml

import (
	"errors"
	"slices"
)

// RegressionTree is a CART tree fitted on squared error. Nodes are stored
// flat; children are referenced by index.
type RegressionTree struct {
	nodes []TreeNode
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	Samples    int     `json:"samples"`
	IsLeaf     bool    `json:"is_leaf"`
}

// TreeConfig bounds tree growth. Zero MaxDepth means unlimited.
type TreeConfig struct {
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
}

type treeBuilder struct {
	features [][]float64
	targets  []float64
	config   TreeConfig
	order    []int
}

// Train fits the tree on the rows selected by sample. Indices may repeat,
// which is how bootstrap samples are passed in.
func (rt *RegressionTree) Train(features [][]float64, targets []float64, sample []int, config TreeConfig) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	if sample == nil {
		sample = make([]int, len(features))
		for i := range sample {
			sample[i] = i
		}
	}
	if len(sample) == 0 {
		return errors.New("empty sample")
	}
	if config.MinSamplesSplit < 2 {
		config.MinSamplesSplit = 2
	}
	if config.MinSamplesLeaf < 1 {
		config.MinSamplesLeaf = 1
	}

	b := &treeBuilder{
		features: features,
		targets:  targets,
		config:   config,
		order:    make([]int, len(sample)),
	}
	rt.nodes = rt.nodes[:0]
	rt.grow(b, append([]int(nil), sample...), 0)
	return nil
}

func (rt *RegressionTree) Predict(features []float64) (float64, error) {
	if len(rt.nodes) == 0 {
		return 0, errors.New("model not trained")
	}
	idx := 0
	for {
		node := rt.nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(rt.nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

// Depth returns the length of the longest root to leaf path.
func (rt *RegressionTree) Depth() int {
	if len(rt.nodes) == 0 {
		return 0
	}
	var walk func(idx int) int
	walk = func(idx int) int {
		node := rt.nodes[idx]
		if node.IsLeaf {
			return 0
		}
		return 1 + max(walk(node.LeftChild), walk(node.RightChild))
	}
	return walk(0)
}

func (rt *RegressionTree) NodeCount() int {
	return len(rt.nodes)
}

// grow appends the subtree for the given rows and returns its root index.
func (rt *RegressionTree) grow(b *treeBuilder, rows []int, depth int) int {
	idx := len(rt.nodes)
	rt.nodes = append(rt.nodes, TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      meanOf(b.targets, rows),
		Samples:    len(rows),
		IsLeaf:     true,
	})

	if len(rows) < b.config.MinSamplesSplit || (b.config.MaxDepth > 0 && depth >= b.config.MaxDepth) || isConstant(b.targets, rows) {
		return idx
	}

	feature, threshold, ok := b.findBestSplit(rows)
	if !ok {
		return idx
	}

	left := make([]int, 0, len(rows))
	right := make([]int, 0, len(rows))
	for _, row := range rows {
		if b.features[row][feature] <= threshold {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return idx
	}

	leftIdx := rt.grow(b, left, depth+1)
	rightIdx := rt.grow(b, right, depth+1)

	node := &rt.nodes[idx]
	node.FeatureIdx = feature
	node.Threshold = threshold
	node.LeftChild = leftIdx
	node.RightChild = rightIdx
	node.IsLeaf = false
	return idx
}

// findBestSplit scans every feature for the threshold that minimises the
// summed squared error of the two children. Thresholds sit halfway between
// consecutive distinct values.
func (b *treeBuilder) findBestSplit(rows []int) (int, float64, bool) {
	n := len(rows)
	minLeaf := b.config.MinSamplesLeaf
	bestFeature := -1
	bestThreshold := 0.0
	bestScore := 0.0

	var totalSum float64
	for _, row := range rows {
		totalSum += b.targets[row]
	}

	order := b.order[:n]
	featureCount := len(b.features[rows[0]])
	for f := 0; f < featureCount; f++ {
		copy(order, rows)
		slices.SortStableFunc(order, func(a, c int) int {
			va, vc := b.features[a][f], b.features[c][f]
			switch {
			case va < vc:
				return -1
			case va > vc:
				return 1
			default:
				return 0
			}
		})

		// Minimising SSE is equivalent to maximising sumL²/nL + sumR²/nR.
		var leftSum float64
		for i := 1; i < n; i++ {
			leftSum += b.targets[order[i-1]]
			lo := b.features[order[i-1]][f]
			hi := b.features[order[i]][f]
			if lo >= hi {
				continue
			}
			if i < minLeaf || n-i < minLeaf {
				continue
			}
			nl := float64(i)
			nr := float64(n - i)
			rightSum := totalSum - leftSum
			score := leftSum*leftSum/nl + rightSum*rightSum/nr
			if bestFeature == -1 || score > bestScore {
				bestFeature = f
				bestScore = score
				bestThreshold = lo + (hi-lo)/2
				if bestThreshold >= hi {
					bestThreshold = lo
				}
			}
		}
	}

	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func meanOf(values []float64, rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, row := range rows {
		sum += values[row]
	}
	return sum / float64(len(rows))
}

func isConstant(values []float64, rows []int) bool {
	if len(rows) == 0 {
		return true
	}
	first := values[rows[0]]
	for _, row := range rows[1:] {
		if values[row] != first {
			return false
		}
	}
	return true
}
