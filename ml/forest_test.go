package ml

import (
	"context"
	"math"
	"testing"
)

func TestRegressionTreeTrainPredict(t *testing.T) {
	features := [][]float64{
		{0.1, 0.2},
		{0.2, 0.1},
		{0.9, 0.8},
		{0.8, 0.9},
	}
	targets := []float64{10, 12, 50, 52}

	tree := &RegressionTree{}
	if err := tree.Train(features, targets, nil, TreeConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := tree.Predict([]float64{0.15, 0.15})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10 && got != 12 {
		t.Fatalf("expected a low-cluster value, got %v", got)
	}
	got, err = tree.Predict([]float64{0.85, 0.85})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got < 50 {
		t.Fatalf("expected a high-cluster value, got %v", got)
	}
}

func TestRegressionTreeMaxDepth(t *testing.T) {
	ds := syntheticDataset(200)
	features, targets := ds.Matrix()

	tree := &RegressionTree{}
	if err := tree.Train(features, targets, nil, TreeConfig{MaxDepth: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Depth() > 3 {
		t.Fatalf("expected depth <= 3, got %d", tree.Depth())
	}
}

func TestRegressionTreeConstantTargetIsLeaf(t *testing.T) {
	tree := &RegressionTree{}
	if err := tree.Train([][]float64{{1}, {2}, {3}}, []float64{7, 7, 7}, nil, TreeConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.NodeCount() != 1 {
		t.Fatalf("expected a single leaf, got %d nodes", tree.NodeCount())
	}
}

func TestRegressionTreeUntrained(t *testing.T) {
	tree := &RegressionTree{}
	if _, err := tree.Predict([]float64{1}); err == nil {
		t.Fatal("expected error for untrained tree")
	}
}

func TestRandomForestDeterministic(t *testing.T) {
	ds := syntheticDataset(150)
	features, targets := ds.Matrix()

	config := DefaultForestConfig()
	first := NewRandomForest(config)
	if err := first.Fit(context.Background(), features, targets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config.Workers = 1
	second := NewRandomForest(config)
	if err := second.Fit(context.Background(), features, targets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.NumTrees() != DefaultNumTrees {
		t.Fatalf("expected %d trees, got %d", DefaultNumTrees, first.NumTrees())
	}

	inputs := [][]float64{
		{8000, 6.0, 45, 75},
		{0, 0, 0, 40},
		{25000, 20, 300, 200},
	}
	for _, in := range inputs {
		a, err := first.Predict(in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b, err := second.Predict(in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != b {
			t.Fatalf("predictions differ for %v: %v vs %v", in, a, b)
		}
	}
}

func TestRandomForestFitsTrend(t *testing.T) {
	ds := syntheticDataset(300)
	features, targets := ds.Matrix()

	forest := NewRandomForest(DefaultForestConfig())
	if err := forest.Fit(context.Background(), features, targets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	metrics, err := Evaluate(forest, ds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics.R2 < 0.9 {
		t.Fatalf("expected in-sample R2 >= 0.9, got %v", metrics.R2)
	}
	if math.IsNaN(metrics.RMSE) || metrics.N != 300 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestRandomForestFitErrors(t *testing.T) {
	forest := NewRandomForest(DefaultForestConfig())
	if err := forest.Fit(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for empty input")
	}
	if err := forest.Fit(context.Background(), [][]float64{{1}}, []float64{1, 2}); err == nil {
		t.Fatal("expected error for size mismatch")
	}
	if _, err := forest.Predict([]float64{1}); err == nil {
		t.Fatal("expected error for untrained forest")
	}
}

func TestRandomForestCancelled(t *testing.T) {
	ds := syntheticDataset(50)
	features, targets := ds.Matrix()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewRandomForest(DefaultForestConfig()).Fit(ctx, features, targets); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSplitDataset(t *testing.T) {
	ds := syntheticDataset(100)
	train, test := SplitDataset(ds, 0.25, 7)
	if train.Len() != 75 || test.Len() != 25 {
		t.Fatalf("unexpected split %d/%d", train.Len(), test.Len())
	}
	again, _ := SplitDataset(ds, 0.25, 7)
	if again.Records[0] != train.Records[0] {
		t.Fatal("expected deterministic split")
	}
}
