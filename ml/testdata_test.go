package ml

import (
	"fmt"
	"strings"
)

// syntheticCSV builds a reference table whose calories grow with activity.
func syntheticCSV(rows int) string {
	var sb strings.Builder
	sb.WriteString("Id,ActivityDate,TotalSteps,TotalDistance,TotalActiveMinutes,HeartRate,Calories\n")
	for i := 0; i < rows; i++ {
		steps := 1000 + (i*737)%14000
		distance := float64(steps) * 0.00075
		active := 10 + (i*13)%120
		heartRate := 55 + (i*7)%70
		calories := 1400 + float64(steps)*0.04 + float64(active)*4 + float64(heartRate)*1.5
		fmt.Fprintf(&sb, "%d,4/%d/2016,%d,%.2f,%d,%d,%.0f\n", 1500000000+i, 1+i%30, steps, distance, active, heartRate, calories)
	}
	return sb.String()
}

func syntheticDataset(rows int) *Dataset {
	ds, err := ReadDataset(strings.NewReader(syntheticCSV(rows)))
	if err != nil {
		panic(err)
	}
	return ds
}
