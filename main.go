package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"salesforecast/config"
	"salesforecast/db"
	shttp "salesforecast/http"
	"salesforecast/logger"
	"salesforecast/ml"
	"salesforecast/monitoring"
	"salesforecast/pipeline"
	"salesforecast/table"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		JSON:       true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Load model and scaler; nothing is served without them
	schema, err := ml.LookupSchema(cfg.ML.Schema)
	if err != nil {
		log.Fatal("invalid feature schema", zap.Error(err))
	}
	artifacts, err := ml.NewLoader(schema, cfg.ML.ModelType).Load(cfg.ML.ModelPath, cfg.ML.ScalerPath)
	if err != nil {
		var loadErr *ml.ArtifactLoadError
		if errors.As(err, &loadErr) {
			log.Fatal("failed to load artifact",
				zap.String("artifact", loadErr.Artifact),
				zap.String("path", loadErr.Path),
				zap.Error(loadErr.Err))
		}
		log.Fatal("failed to load artifacts", zap.Error(err))
	}
	log.Info("artifacts loaded",
		zap.String("schema", schema.Version),
		zap.String("model", artifacts.ModelPath),
		zap.String("scaler", artifacts.ScalerPath),
		zap.Int("features", artifacts.Model.NumFeatures()))

	// 3. Open the query source and the run log
	source, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, db.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("failed to open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer source.Close()

	var (
		runLog *db.RunLog
		runs   shttp.RunLister
	)
	if cfg.RunLog.Path != "" {
		runLog, err = db.OpenRunLog(cfg.RunLog.Path)
		if err != nil {
			log.Fatal("failed to open run log", zap.String("path", cfg.RunLog.Path), zap.Error(err))
		}
		defer runLog.Close()
		runs = runLog
	}

	metrics := monitoring.NewMetrics()
	hub := monitoring.NewHub(log.Named("ws"), metrics, cfg.Http.AllowedOrigins)
	defer hub.Close()

	opts := pipeline.Options{
		Source:       source,
		Artifacts:    artifacts,
		Publisher:    hub,
		Metrics:      metrics,
		Logger:       log.Named("pipeline"),
		QueryTimeout: cfg.Query.Timeout,
	}
	if runLog != nil {
		opts.Recorder = runLog
	}
	runner, err := pipeline.NewRunner(opts)
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}

	// 4. Start HTTP server
	server := shttp.NewServer(shttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.Timeout,
		AllowedOrigins: cfg.Http.AllowedOrigins,
	}, &shttp.Handlers{
		Runner:  runner,
		Runs:    runs,
		Hub:     hub,
		Metrics: metrics,
		Export:  table.CSVOptions{Encoding: cfg.Export.Encoding, Comma: cfg.Delimiter()},
		Logger:  log.Named("http"),
	}, log.Named("http"))

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	// 5. Handle graceful shutdown
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	if err := server.Stop(context.Background()); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}
	log.Info("exiting")
}
