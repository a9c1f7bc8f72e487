package ml

// Regressor maps a feature vector to a scalar estimate.
type Regressor interface {
	Predict(features []float64) (float64, error)
}

// DatasetFilter drops unusable rows from a freshly loaded dataset.
type DatasetFilter interface {
	CleanDataset(ds *Dataset) *Dataset
}
