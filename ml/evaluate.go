package ml

import (
	"errors"
	"math"
	"math/rand"
)

// Metrics summarises regression error on a dataset.
type Metrics struct {
	N    int     `json:"n"`
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

func Evaluate(model Regressor, ds *Dataset) (Metrics, error) {
	if ds.Empty() {
		return Metrics{}, errors.New("dataset is empty")
	}

	features, targets := ds.Matrix()
	var mean float64
	for _, y := range targets {
		mean += y
	}
	mean /= float64(len(targets))

	var absSum, sqSum, totSum float64
	for i, x := range features {
		pred, err := model.Predict(x)
		if err != nil {
			return Metrics{}, err
		}
		diff := targets[i] - pred
		absSum += math.Abs(diff)
		sqSum += diff * diff
		totSum += (targets[i] - mean) * (targets[i] - mean)
	}

	n := float64(len(targets))
	m := Metrics{
		N:    len(targets),
		MAE:  absSum / n,
		RMSE: math.Sqrt(sqSum / n),
	}
	if totSum > 0 {
		m.R2 = 1 - sqSum/totSum
	}
	return m, nil
}

// SplitDataset shuffles the records with seed and holds out testRatio of
// them. Ratios outside (0, 1) fall back to 0.2.
func SplitDataset(ds *Dataset, testRatio float64, seed int64) (train, test *Dataset) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	train, test = EmptyDataset(), EmptyDataset()
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(ds.Len())

	split := int(math.Round(float64(ds.Len()) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			train.Records = append(train.Records, ds.Records[idx])
		} else {
			test.Records = append(test.Records, ds.Records[idx])
		}
	}
	return train, test
}
