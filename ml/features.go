package ml

import "math"

// Column names of the reference table once the loader has normalised it.
const (
	ColSteps         = "TotalSteps"
	ColDistance      = "TotalDistance"
	ColActiveMinutes = "TotalActiveMinutes"
	ColHeartRate     = "Heart_rate"
	ColCalories      = "Calories"

	// rawHeartRateColumn is how the heart rate column is named in the source file.
	rawHeartRateColumn = "HeartRate"
)

// Features is the model input: one day of activity as entered by a user.
type Features struct {
	Steps         int     `json:"total_steps"`
	Distance      float64 `json:"total_distance"`
	ActiveMinutes int     `json:"total_active_minutes"`
	HeartRate     float64 `json:"heart_rate"`
}

// Record is one row of the reference table.
type Record struct {
	Features
	Calories float64 `json:"calories"`
}

// FeatureNames lists the model inputs in the order FeatureVector emits them.
func FeatureNames() []string {
	return []string{ColSteps, ColDistance, ColActiveMinutes, ColHeartRate}
}

// FeatureVector flattens features in the fixed order
// steps, distance, active minutes, heart rate.
func FeatureVector(f Features) []float64 {
	return []float64{
		float64(f.Steps),
		f.Distance,
		float64(f.ActiveMinutes),
		f.HeartRate,
	}
}

// key is the comparable form of a feature vector, used for memoisation.
func (f Features) key() [4]float64 {
	return [4]float64{float64(f.Steps), f.Distance, float64(f.ActiveMinutes), f.HeartRate}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
