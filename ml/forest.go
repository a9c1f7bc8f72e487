package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultNumTrees = 100
	DefaultSeed     = 42
)

// ForestConfig controls the ensemble. Workers only affects how fast the
// forest is fitted; the fitted trees depend on Seed and NumTrees alone.
type ForestConfig struct {
	NumTrees        int   `yaml:"num_trees"`
	Seed            int64 `yaml:"seed"`
	MaxDepth        int   `yaml:"max_depth"`
	MinSamplesSplit int   `yaml:"min_samples_split"`
	MinSamplesLeaf  int   `yaml:"min_samples_leaf"`
	Workers         int   `yaml:"workers"`
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NumTrees:        DefaultNumTrees,
		Seed:            DefaultSeed,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Workers:         runtime.NumCPU(),
	}
}

// RandomForest averages the predictions of bootstrap-aggregated regression trees.
type RandomForest struct {
	config ForestConfig
	trees  []*RegressionTree
}

func NewRandomForest(config ForestConfig) *RandomForest {
	if config.NumTrees <= 0 {
		config.NumTrees = DefaultNumTrees
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &RandomForest{config: config}
}

// Fit trains every tree on its own bootstrap sample. Per-tree seeds are
// drawn from the forest seed up front so the result does not depend on
// scheduling.
func (rf *RandomForest) Fit(ctx context.Context, features [][]float64, targets []float64) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}

	master := rand.New(rand.NewSource(rf.config.Seed))
	seeds := make([]int64, rf.config.NumTrees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	treeConfig := TreeConfig{
		MaxDepth:        rf.config.MaxDepth,
		MinSamplesSplit: rf.config.MinSamplesSplit,
		MinSamplesLeaf:  rf.config.MinSamplesLeaf,
	}

	trees := make([]*RegressionTree, rf.config.NumTrees)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rf.config.Workers)
	for i := range trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sample := bootstrapSample(len(features), rand.New(rand.NewSource(seeds[i])))
			tree := &RegressionTree{}
			if err := tree.Train(features, targets, sample, treeConfig); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rf.trees = trees
	return nil
}

func (rf *RandomForest) Predict(features []float64) (float64, error) {
	if len(rf.trees) == 0 {
		return 0, errors.New("model not trained")
	}
	var sum float64
	for _, tree := range rf.trees {
		v, err := tree.Predict(features)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(rf.trees)), nil
}

func (rf *RandomForest) NumTrees() int {
	return len(rf.trees)
}

func (rf *RandomForest) Config() ForestConfig {
	return rf.config
}

func bootstrapSample(n int, rnd *rand.Rand) []int {
	sample := make([]int, n)
	for i := range sample {
		sample[i] = rnd.Intn(n)
	}
	return sample
}
