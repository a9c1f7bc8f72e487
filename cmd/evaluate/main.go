package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"fittrack/logging"
	"fittrack/ml"
	"fittrack/pipeline"
	"fittrack/stats"
)

type options struct {
	datasetPath string
	testRatio   float64
	forest      ml.ForestConfig
	sample      ml.Features
	issueLimit  int
}

func main() {
	opts := options{forest: ml.DefaultForestConfig()}
	flag.StringVar(&opts.datasetPath, "dataset", "activity_data_heartrate.csv", "reference dataset path")
	flag.Float64Var(&opts.testRatio, "test_ratio", 0.2, "test ratio")
	flag.IntVar(&opts.forest.NumTrees, "trees", ml.DefaultNumTrees, "number of trees")
	flag.Int64Var(&opts.forest.Seed, "seed", ml.DefaultSeed, "random seed")
	flag.IntVar(&opts.forest.MaxDepth, "max_depth", 0, "max tree depth (0 = unlimited)")
	flag.IntVar(&opts.sample.Steps, "steps", 8000, "sample prediction: total steps")
	flag.Float64Var(&opts.sample.Distance, "distance", 6, "sample prediction: total distance")
	flag.IntVar(&opts.sample.ActiveMinutes, "active_minutes", 45, "sample prediction: active minutes")
	flag.Float64Var(&opts.sample.HeartRate, "heart_rate", 75, "sample prediction: heart rate")
	flag.IntVar(&opts.issueLimit, "issues", 10, "rejected rows to list")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "warn", ToStdout: true})
	defer logger.Sync()

	if err := run(context.Background(), opts, os.Stdout, logger); err != nil {
		logger.Error("evaluation failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer, logger *zap.Logger) error {
	ds, err := ml.LoadDataset(opts.datasetPath)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	cleaner := pipeline.NewDataCleaner(logger)
	ds = cleaner.CleanDataset(ds)
	writeCleaning(out, cleaner.GetStats(), cleaner.GetIssues(opts.issueLimit))
	cleaner.ClearIssues()

	if err := writePopulation(out, ds); err != nil {
		return err
	}

	trainSet, testSet := ml.SplitDataset(ds, opts.testRatio, opts.forest.Seed)
	result := ml.NewTrainer(opts.forest, nil, logger).Train(ctx, trainSet)
	if !result.Trained() {
		return fmt.Errorf("training %s: %w", result.Outcome, result.Err)
	}
	if testSet.Empty() {
		return errors.New("test split is empty")
	}

	metrics, err := ml.Evaluate(result.Model, testSet)
	if err != nil {
		return fmt.Errorf("evaluate model: %w", err)
	}
	fmt.Fprintf(out, "rows: train=%d test=%d trees=%d seed=%d duration=%s\n",
		trainSet.Len(), testSet.Len(), result.Model.NumTrees(), opts.forest.Seed, result.Duration)
	fmt.Fprintf(out, "mae=%.2f rmse=%.2f r2=%.4f\n", metrics.MAE, metrics.RMSE, metrics.R2)

	sample := pipeline.SanitizeInput(opts.sample)
	calories, err := result.Model.Predict(ml.FeatureVector(sample))
	if err != nil {
		return fmt.Errorf("predict sample: %w", err)
	}
	fmt.Fprintf(out, "sample %+v -> %.2f kcal\n", sample, calories)
	return nil
}

func writeCleaning(out io.Writer, st pipeline.CleaningStats, issues []pipeline.QualityIssue) {
	fmt.Fprintf(out, "cleaning: processed=%d passed=%d rejected=%d\n", st.TotalProcessed, st.Passed, st.Rejected)
	for _, issue := range issues {
		fmt.Fprintf(out, "  row %d %s: %s\n", issue.Row, issue.Type, issue.Message)
	}
}

// writePopulation prints the distribution of every reference column.
func writePopulation(out io.Writer, ds *ml.Dataset) error {
	fmt.Fprintf(out, "%-20s %8s %10s %10s %10s %10s %10s %10s\n", "column", "n", "min", "q1", "median", "q3", "max", "mean")
	for _, col := range ml.CanonicalColumns() {
		values, err := ds.Column(col)
		if err != nil {
			return err
		}
		s := stats.Summarize(values)
		fmt.Fprintf(out, "%-20s %8d %10.2f %10.2f %10.2f %10.2f %10.2f %10.2f\n",
			col, s.Count, s.Min, s.Q1, s.Median, s.Q3, s.Max, s.Mean)
	}
	return nil
}
