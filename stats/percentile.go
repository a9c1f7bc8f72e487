package stats

import (
	"math"
	"sort"
)

// PercentBelow returns the percentage of values strictly below value,
// rounded to two decimals. ok is false for an empty population.
func PercentBelow(values []float64, value float64) (pct float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}

	count := 0
	for _, v := range values {
		if v < value {
			count++
		}
	}

	return Round2(float64(count) / float64(len(values)) * 100.0), true
}

// Percentile calculates the p-th percentile (0-100)
// Uses linear interpolation between closest ranks
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Summary is the five-number summary plus mean of a population.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return Summary{
		Count:  len(values),
		Min:    Percentile(values, 0),
		Q1:     Percentile(values, 25),
		Median: Percentile(values, 50),
		Q3:     Percentile(values, 75),
		Max:    Percentile(values, 100),
		Mean:   sum / float64(len(values)),
	}
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
