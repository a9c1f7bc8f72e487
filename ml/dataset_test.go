package ml

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestReadDatasetRenamesHeartRate(t *testing.T) {
	ds, err := ReadDataset(strings.NewReader(syntheticCSV(5)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Len() != 5 {
		t.Fatalf("expected 5 rows, got %d", ds.Len())
	}
	if !reflect.DeepEqual(ds.Columns, CanonicalColumns()) {
		t.Fatalf("unexpected columns: %v", ds.Columns)
	}
	hr, err := ds.Column(ColHeartRate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hr[0] != 55 {
		t.Fatalf("expected first heart rate 55, got %v", hr[0])
	}
}

func TestReadDatasetAcceptsCanonicalName(t *testing.T) {
	input := "TotalSteps,TotalDistance,TotalActiveMinutes,Heart_rate,Calories\n8000,6.0,45,75,2100\n"
	ds, err := ReadDataset(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Record{Features: Features{Steps: 8000, Distance: 6, ActiveMinutes: 45, HeartRate: 75}, Calories: 2100}
	if ds.Records[0] != want {
		t.Fatalf("expected %+v, got %+v", want, ds.Records[0])
	}
}

func TestReadDatasetFailures(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty input", input: ""},
		{name: "missing heart rate", input: "TotalSteps,TotalDistance,TotalActiveMinutes,Calories\n1,1,1,1\n"},
		{name: "missing calories", input: "TotalSteps,TotalDistance,TotalActiveMinutes,HeartRate\n1,1,1,60\n"},
		{name: "bad number", input: "TotalSteps,TotalDistance,TotalActiveMinutes,HeartRate,Calories\nabc,1,1,60,1\n"},
		{name: "short row", input: "TotalSteps,TotalDistance,TotalActiveMinutes,HeartRate,Calories\n1,1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := ReadDataset(strings.NewReader(tt.input))
			if !errors.Is(err, ErrDatasetUnavailable) {
				t.Fatalf("expected ErrDatasetUnavailable, got %v", err)
			}
			if ds == nil || !ds.Empty() {
				t.Fatalf("expected empty dataset")
			}
			if !reflect.DeepEqual(ds.Columns, CanonicalColumns()) {
				t.Fatalf("expected canonical header on failure, got %v", ds.Columns)
			}
		})
	}
}

func TestLoadDatasetMissingFile(t *testing.T) {
	ds, err := LoadDataset(filepath.Join(t.TempDir(), "missing.csv"))
	if !errors.Is(err, ErrDatasetUnavailable) {
		t.Fatalf("expected ErrDatasetUnavailable, got %v", err)
	}
	if !ds.Empty() {
		t.Fatalf("expected empty dataset")
	}
}

func TestLoadDatasetFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.csv")
	if err := os.WriteFile(path, []byte(syntheticCSV(20)), 0o600); err != nil {
		t.Fatal(err)
	}
	ds, err := LoadDataset(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Len() != 20 {
		t.Fatalf("expected 20 rows, got %d", ds.Len())
	}
	features, targets := ds.Matrix()
	if len(features) != 20 || len(targets) != 20 || len(features[0]) != len(FeatureNames()) {
		t.Fatalf("unexpected matrix shape")
	}
}
