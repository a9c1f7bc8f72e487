package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fittrack/auth"
	"fittrack/config"
	"fittrack/db"
	qhttp "fittrack/http"
	"fittrack/logging"
	"fittrack/ml"
	"fittrack/monitoring"
	"fittrack/pipeline"
	"fittrack/tracker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("fittrack stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	registry := monitoring.SetupPrometheus()
	metrics := monitoring.NewMetrics("fittrack", "api", registry)

	// 3. Train the model once at startup
	predictor, err := ml.NewCaloriePredictor(cfg.Cache.PredictionSize, metrics)
	if err != nil {
		return err
	}
	cleaner := pipeline.NewDataCleaner(logger)
	trainer := ml.NewTrainer(cfg.ML, cleaner, logger)
	result := predictor.TrainFile(ctx, trainer, cfg.Dataset.Path)
	metrics.ObserveTraining(result, predictor.State())

	cleaning := cleaner.GetStats()
	logger.Info("reference rows cleaned",
		zap.Int64("processed", cleaning.TotalProcessed),
		zap.Int64("rejected", cleaning.Rejected),
		zap.Any("issues", cleaning.Issues))
	// the cleaner is not used again after startup
	cleaner.ClearIssues()
	if !result.Trained() {
		logger.Warn("predictions disabled",
			zap.String("outcome", result.Outcome.String()),
			zap.Error(result.Err))
	}

	// 4. Storage
	store, err := db.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	// 5. Service and leaderboard hub
	tokens, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	var svc *tracker.Service
	hub := monitoring.NewLeaderboardHub(func(ctx context.Context) (string, []db.LeaderboardEntry, error) {
		return svc.TopUsers(ctx, "", tracker.DefaultLeaderboardSize)
	}, metrics, logger)
	go hub.Start()
	defer hub.Stop()

	svc = tracker.NewService(store, predictor, tokens, logger,
		tracker.WithPublisher(hub),
		tracker.WithRegistrationObserver(metrics),
	)

	// 6. HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Http.Port,
		ReadTimeout:    cfg.Http.ReadTimeout,
		WriteTimeout:   cfg.Http.WriteTimeout,
		MaxBodyBytes:   cfg.Http.MaxBodyBytes,
		AllowedOrigins: cfg.Http.AllowedOrigins,
	}, qhttp.Deps{
		Service:  svc,
		Model:    predictor,
		Tokens:   tokens,
		Hub:      hub,
		Metrics:  metrics,
		Gatherer: registry,
		Logger:   logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// 7. Handle graceful shutdown
	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Http.ShutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
