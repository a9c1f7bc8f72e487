package ml

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// State of a CaloriePredictor. The only transitions are
// Untrained -> Trained and Untrained -> Unavailable.
type State int

const (
	StateUntrained State = iota
	StateTrained
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUntrained:
		return "untrained"
	case StateTrained:
		return "trained"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// PredictionObserver is notified of every successful prediction.
type PredictionObserver interface {
	ObservePrediction(cached bool)
}

// CaloriePredictor owns the trained model for the lifetime of the process.
// Predict blocks while training is in progress.
type CaloriePredictor struct {
	mu       sync.RWMutex
	state    State
	result   TrainResult
	cache    *lru.Cache[[4]float64, float64]
	observer PredictionObserver
}

// NewCaloriePredictor creates an untrained predictor. cacheSize bounds the
// prediction memo; zero disables it.
func NewCaloriePredictor(cacheSize int, observer PredictionObserver) (*CaloriePredictor, error) {
	p := &CaloriePredictor{observer: observer}
	if cacheSize > 0 {
		cache, err := lru.New[[4]float64, float64](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create prediction cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// Train runs fn once. Later calls return the first result unchanged.
func (p *CaloriePredictor) Train(fn func() TrainResult) TrainResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateUntrained {
		return p.result
	}
	p.result = fn()
	if p.result.Trained() {
		p.state = StateTrained
	} else {
		p.state = StateUnavailable
	}
	return p.result
}

// TrainFile is Train with a Trainer reading the dataset at path.
func (p *CaloriePredictor) TrainFile(ctx context.Context, trainer *Trainer, path string) TrainResult {
	return p.Train(func() TrainResult {
		return trainer.TrainFile(ctx, path)
	})
}

func (p *CaloriePredictor) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Reference returns the dataset the model was trained on, or an empty one.
func (p *CaloriePredictor) Reference() *Dataset {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.result.Dataset == nil {
		return EmptyDataset()
	}
	return p.result.Dataset
}

// Predict estimates calories for one feature vector. Inputs are not range
// checked; values outside the training data are extrapolated by the trees.
func (p *CaloriePredictor) Predict(f Features) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state != StateTrained {
		if p.result.Err != nil {
			return 0, fmt.Errorf("%w: %v", ErrModelUnavailable, p.result.Err)
		}
		return 0, ErrModelUnavailable
	}

	key := f.key()
	if p.cache != nil {
		if v, ok := p.cache.Get(key); ok {
			p.observe(true)
			return v, nil
		}
	}

	v, err := p.result.Model.Predict(FeatureVector(f))
	if err != nil {
		return 0, err
	}
	if !isFinite(v) {
		return 0, fmt.Errorf("non-finite prediction %v", v)
	}
	if p.cache != nil {
		p.cache.Add(key, v)
	}
	p.observe(false)
	return v, nil
}

func (p *CaloriePredictor) observe(cached bool) {
	if p.observer != nil {
		p.observer.ObservePrediction(cached)
	}
}
