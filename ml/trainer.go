package ml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrModelUnavailable is returned when no trained model exists, either
// because training failed or because there was nothing to train on.
var ErrModelUnavailable = errors.New("model unavailable")

// Outcome tells how a training run ended.
type Outcome int

const (
	OutcomeTrained Outcome = iota
	OutcomeDatasetError
	OutcomeTrainingError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTrained:
		return "trained"
	case OutcomeDatasetError:
		return "dataset_error"
	case OutcomeTrainingError:
		return "training_error"
	default:
		return "unknown"
	}
}

// TrainResult is what a training run produced. Model is set only when
// Outcome is OutcomeTrained. Dataset is the reference table that was used
// (empty on dataset errors).
type TrainResult struct {
	Outcome  Outcome
	Model    *RandomForest
	Dataset  *Dataset
	Err      error
	Duration time.Duration
}

func (r TrainResult) Trained() bool {
	return r.Outcome == OutcomeTrained && r.Model != nil
}

type Trainer struct {
	config ForestConfig
	filter DatasetFilter
	logger *zap.Logger
}

func NewTrainer(config ForestConfig, filter DatasetFilter, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{config: config, filter: filter, logger: logger}
}

// TrainFile loads the reference table at path and fits a forest on it.
func (t *Trainer) TrainFile(ctx context.Context, path string) TrainResult {
	ds, err := LoadDataset(path)
	if err != nil {
		t.logger.Warn("reference dataset unavailable", zap.String("path", path), zap.Error(err))
		return TrainResult{Outcome: OutcomeDatasetError, Dataset: ds, Err: err}
	}
	t.logger.Info("reference dataset loaded", zap.String("path", path), zap.Int("rows", ds.Len()))
	return t.Train(ctx, ds)
}

// Train fits a forest on an already loaded dataset.
func (t *Trainer) Train(ctx context.Context, ds *Dataset) TrainResult {
	if ds == nil {
		ds = EmptyDataset()
	}
	if t.filter != nil {
		ds = t.filter.CleanDataset(ds)
	}
	if ds.Empty() {
		err := fmt.Errorf("%w: empty dataset", ErrModelUnavailable)
		t.logger.Warn("skipping training", zap.Error(err))
		return TrainResult{Outcome: OutcomeTrainingError, Dataset: ds, Err: err}
	}

	start := time.Now()
	features, targets := ds.Matrix()
	forest := NewRandomForest(t.config)
	if err := forest.Fit(ctx, features, targets); err != nil {
		err = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		t.logger.Error("training failed", zap.Error(err))
		return TrainResult{Outcome: OutcomeTrainingError, Dataset: ds, Err: err, Duration: time.Since(start)}
	}

	elapsed := time.Since(start)
	t.logger.Info("model trained",
		zap.Int("rows", ds.Len()),
		zap.Int("trees", forest.NumTrees()),
		zap.Int64("seed", forest.Config().Seed),
		zap.Duration("duration", elapsed),
	)
	return TrainResult{Outcome: OutcomeTrained, Model: forest, Dataset: ds, Duration: elapsed}
}
