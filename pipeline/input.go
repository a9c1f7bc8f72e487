package pipeline

import (
	"math"

	"fittrack/ml"
)

// 用户输入的心率范围
const (
	MinHeartRate = 40
	MaxHeartRate = 200
)

// ClampHeartRate 将心率限制在输入范围内
func ClampHeartRate(hr float64) float64 {
	if math.IsNaN(hr) {
		return MinHeartRate
	}
	return math.Min(MaxHeartRate, math.Max(MinHeartRate, hr))
}

// SanitizeInput 修正用户输入：负数归零，心率限制在 40-200
func SanitizeInput(f ml.Features) ml.Features {
	if f.Steps < 0 {
		f.Steps = 0
	}
	if f.Distance < 0 || math.IsNaN(f.Distance) || math.IsInf(f.Distance, 0) {
		f.Distance = 0
	}
	if f.ActiveMinutes < 0 {
		f.ActiveMinutes = 0
	}
	f.HeartRate = ClampHeartRate(f.HeartRate)
	return f
}
