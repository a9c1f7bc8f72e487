package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrDatasetUnavailable is returned when the reference table cannot be read.
// The accompanying dataset is always empty but carries the canonical header.
var ErrDatasetUnavailable = errors.New("dataset unavailable")

// Dataset is the reference activity table the model is trained on.
type Dataset struct {
	Columns []string
	Records []Record
}

// CanonicalColumns is the header of every Dataset returned by the loader.
func CanonicalColumns() []string {
	return []string{ColSteps, ColDistance, ColActiveMinutes, ColHeartRate, ColCalories}
}

// EmptyDataset returns a zero-row table with the canonical header.
func EmptyDataset() *Dataset {
	return &Dataset{Columns: CanonicalColumns(), Records: []Record{}}
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

func (d *Dataset) Empty() bool {
	return d.Len() == 0
}

// Matrix returns the feature vectors and calorie targets of every record.
func (d *Dataset) Matrix() ([][]float64, []float64) {
	features := make([][]float64, d.Len())
	targets := make([]float64, d.Len())
	for i, r := range d.Records {
		features[i] = FeatureVector(r.Features)
		targets[i] = r.Calories
	}
	return features, targets
}

// Column returns all values of one canonical column.
func (d *Dataset) Column(name string) ([]float64, error) {
	values := make([]float64, 0, d.Len())
	for _, r := range d.Records {
		switch name {
		case ColSteps:
			values = append(values, float64(r.Steps))
		case ColDistance:
			values = append(values, r.Distance)
		case ColActiveMinutes:
			values = append(values, float64(r.ActiveMinutes))
		case ColHeartRate:
			values = append(values, r.HeartRate)
		case ColCalories:
			values = append(values, r.Calories)
		default:
			return nil, fmt.Errorf("unknown column %q", name)
		}
	}
	return values, nil
}

// LoadDataset reads the reference table from a CSV file. On failure it
// returns an empty dataset together with an error wrapping ErrDatasetUnavailable.
func LoadDataset(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return EmptyDataset(), fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	defer file.Close()

	return ReadDataset(file)
}

// ReadDataset parses a reference table. The HeartRate column is exposed as
// Heart_rate; columns other than the five canonical ones are ignored.
func ReadDataset(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return EmptyDataset(), fmt.Errorf("%w: missing header", ErrDatasetUnavailable)
		}
		return EmptyDataset(), fmt.Errorf("%w: read header: %v", ErrDatasetUnavailable, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF"))
		if name == rawHeartRateColumn {
			name = ColHeartRate
		}
		index[name] = i
	}

	cols := make([]int, 0, 5)
	for _, name := range CanonicalColumns() {
		idx, ok := index[name]
		if !ok {
			return EmptyDataset(), fmt.Errorf("%w: missing column %s", ErrDatasetUnavailable, name)
		}
		cols = append(cols, idx)
	}

	ds := EmptyDataset()
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return EmptyDataset(), fmt.Errorf("%w: line %d: %v", ErrDatasetUnavailable, line, err)
		}

		values := make([]float64, len(cols))
		for i, col := range cols {
			if col >= len(row) {
				return EmptyDataset(), fmt.Errorf("%w: line %d: short row", ErrDatasetUnavailable, line)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
			if err != nil {
				return EmptyDataset(), fmt.Errorf("%w: line %d column %s: %v", ErrDatasetUnavailable, line, CanonicalColumns()[i], err)
			}
			values[i] = v
		}

		ds.Records = append(ds.Records, Record{
			Features: Features{
				Steps:         int(math.Round(values[0])),
				Distance:      values[1],
				ActiveMinutes: int(math.Round(values[2])),
				HeartRate:     values[3],
			},
			Calories: values[4],
		})
	}

	return ds, nil
}
