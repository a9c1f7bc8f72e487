package ml

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
)

type countingObserver struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (o *countingObserver) ObservePrediction(cached bool) {
	if cached {
		o.hits.Add(1)
	} else {
		o.misses.Add(1)
	}
}

type dropAllFilter struct{}

func (dropAllFilter) CleanDataset(*Dataset) *Dataset { return EmptyDataset() }

func trainedPredictor(t *testing.T, rows int) *CaloriePredictor {
	t.Helper()
	p, err := NewCaloriePredictor(16, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trainer := NewTrainer(DefaultForestConfig(), nil, nil)
	res := p.Train(func() TrainResult { return trainer.Train(context.Background(), syntheticDataset(rows)) })
	if !res.Trained() {
		t.Fatalf("expected trained model, got %v: %v", res.Outcome, res.Err)
	}
	return p
}

func TestPredictorExample(t *testing.T) {
	p := trainedPredictor(t, 120)
	if p.State() != StateTrained {
		t.Fatalf("expected trained state, got %v", p.State())
	}

	got, err := p.Predict(Features{Steps: 8000, Distance: 6.0, ActiveMinutes: 45, HeartRate: 75})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got < 0 || math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatalf("expected finite non-negative estimate, got %v", got)
	}
}

func TestPredictorHeartRateBounds(t *testing.T) {
	p := trainedPredictor(t, 80)
	for _, hr := range []float64{40, 200} {
		if _, err := p.Predict(Features{Steps: 5000, Distance: 3.5, ActiveMinutes: 30, HeartRate: hr}); err != nil {
			t.Fatalf("heart rate %v: unexpected error: %v", hr, err)
		}
	}
}

func TestPredictorDeterministicAcrossTrainings(t *testing.T) {
	in := Features{Steps: 8000, Distance: 6.0, ActiveMinutes: 45, HeartRate: 75}
	a, err := trainedPredictor(t, 100).Predict(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := trainedPredictor(t, 100).Predict(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical predictions, got %v and %v", a, b)
	}
}

func TestPredictorEmptyDatasetUnavailable(t *testing.T) {
	p, err := NewCaloriePredictor(0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != StateUntrained {
		t.Fatalf("expected untrained state")
	}
	if _, err := p.Predict(Features{}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable before training, got %v", err)
	}

	trainer := NewTrainer(DefaultForestConfig(), nil, nil)
	res := p.Train(func() TrainResult { return trainer.Train(context.Background(), EmptyDataset()) })
	if res.Outcome != OutcomeTrainingError || !errors.Is(res.Err, ErrModelUnavailable) {
		t.Fatalf("expected training error, got %v: %v", res.Outcome, res.Err)
	}
	if p.State() != StateUnavailable {
		t.Fatalf("expected unavailable state, got %v", p.State())
	}
	if _, err := p.Predict(Features{Steps: 1}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestPredictorMissingFileIsDatasetError(t *testing.T) {
	p, err := NewCaloriePredictor(0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trainer := NewTrainer(DefaultForestConfig(), nil, nil)
	res := p.TrainFile(context.Background(), trainer, filepath.Join(t.TempDir(), "none.csv"))
	if res.Outcome != OutcomeDatasetError || !errors.Is(res.Err, ErrDatasetUnavailable) {
		t.Fatalf("expected dataset error, got %v: %v", res.Outcome, res.Err)
	}
	if !p.Reference().Empty() {
		t.Fatal("expected empty reference dataset")
	}
	if _, err := p.Predict(Features{}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestPredictorTrainsOnce(t *testing.T) {
	p := trainedPredictor(t, 60)
	calls := 0
	res := p.Train(func() TrainResult {
		calls++
		return TrainResult{Outcome: OutcomeTrainingError}
	})
	if calls != 0 {
		t.Fatal("expected second Train to be a no-op")
	}
	if !res.Trained() || p.State() != StateTrained {
		t.Fatal("expected the first result to be kept")
	}
}

func TestPredictorFilterEmptiesDataset(t *testing.T) {
	trainer := NewTrainer(DefaultForestConfig(), dropAllFilter{}, nil)
	res := trainer.Train(context.Background(), syntheticDataset(30))
	if res.Outcome != OutcomeTrainingError {
		t.Fatalf("expected training error, got %v", res.Outcome)
	}
}

func TestPredictorCache(t *testing.T) {
	observer := &countingObserver{}
	p, err := NewCaloriePredictor(4, observer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trainer := NewTrainer(DefaultForestConfig(), nil, nil)
	p.Train(func() TrainResult { return trainer.Train(context.Background(), syntheticDataset(50)) })

	in := Features{Steps: 4000, Distance: 3, ActiveMinutes: 20, HeartRate: 70}
	first, err := p.Predict(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Predict(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("cached prediction differs: %v vs %v", first, second)
	}
	if observer.misses.Load() != 1 || observer.hits.Load() != 1 {
		t.Fatalf("expected 1 miss and 1 hit, got %d/%d", observer.misses.Load(), observer.hits.Load())
	}
}
