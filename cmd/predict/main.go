// Command predict runs one SQL query through the sales model and prints or
// exports the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"salesforecast/config"
	"salesforecast/db"
	"salesforecast/logger"
	"salesforecast/ml"
	"salesforecast/pipeline"
	"salesforecast/table"
)

type options struct {
	query     string
	queryFile string
	out       string
	encoding  string
	rows      int
	watch     bool
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	var opts options
	flag.StringVar(&opts.query, "query", "", "SQL query text")
	flag.StringVar(&opts.queryFile, "query-file", "", "file with the SQL query")
	flag.StringVar(&opts.out, "out", "", "write the result as CSV to this file")
	flag.StringVar(&opts.encoding, "encoding", "", "CSV charset, e.g. utf-8 or windows-1251 (default from config)")
	flag.IntVar(&opts.rows, "rows", 20, "rows to print, 0 prints all")
	flag.BoolVar(&opts.watch, "watch", false, "re-run whenever -query-file changes")
	flag.Parse()

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
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, os.Stdout, log); err != nil {
		var loadErr *ml.ArtifactLoadError
		if errors.As(err, &loadErr) {
			log.Fatal("failed to load artifact", zap.String("artifact", loadErr.Artifact), zap.String("path", loadErr.Path), zap.Error(loadErr.Err))
		}
		log.Error("prediction failed", zap.String("stage", pipeline.Stage(err)), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, stdout io.Writer, log *zap.Logger) error {
	if opts.query == "" && opts.queryFile == "" {
		return errors.New("one of -query or -query-file is required")
	}
	if opts.watch && opts.queryFile == "" {
		return errors.New("-watch needs -query-file")
	}
	export := table.CSVOptions{Encoding: cfg.Export.Encoding, Comma: cfg.Delimiter()}
	if opts.encoding != "" {
		export.Encoding = opts.encoding
	}
	if _, err := table.LookupEncoding(export.Encoding); err != nil {
		return err
	}

	schema, err := ml.LookupSchema(cfg.ML.Schema)
	if err != nil {
		return err
	}
	artifacts, err := ml.NewLoader(schema, cfg.ML.ModelType).Load(cfg.ML.ModelPath, cfg.ML.ScalerPath)
	if err != nil {
		return err
	}

	source, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, db.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer source.Close()

	pipeOpts := pipeline.Options{
		Source:       source,
		Artifacts:    artifacts,
		Logger:       log,
		QueryTimeout: cfg.Query.Timeout,
	}
	if cfg.RunLog.Path != "" {
		runLog, err := db.OpenRunLog(cfg.RunLog.Path)
		if err != nil {
			return err
		}
		defer runLog.Close()
		pipeOpts.Recorder = runLog
	}
	runner, err := pipeline.NewRunner(pipeOpts)
	if err != nil {
		return err
	}

	once := func() error {
		query, err := readQuery(opts)
		if err != nil {
			return err
		}
		res, err := runner.Run(ctx, query)
		if err != nil {
			return err
		}
		if err := table.Render(stdout, res.Table, opts.rows); err != nil {
			return err
		}
		if opts.out != "" {
			if err := writeCSVFile(opts.out, res.Table, export); err != nil {
				return err
			}
			log.Info("result exported", zap.String("file", opts.out), zap.Int("rows", res.Table.Len()))
		}
		return nil
	}

	err = once()
	if !opts.watch {
		return err
	}
	if err != nil {
		log.Warn("run failed, waiting for the next change", zap.String("stage", pipeline.Stage(err)), zap.Error(err))
	}

	log.Info("watching query file", zap.String("file", opts.queryFile))
	return pipeline.WatchFile(ctx, opts.queryFile, 200*time.Millisecond, log, func() {
		if err := once(); err != nil {
			log.Warn("run failed", zap.String("stage", pipeline.Stage(err)), zap.Error(err))
		}
	})
}

func readQuery(opts options) (string, error) {
	if opts.queryFile == "" {
		return opts.query, nil
	}
	b, err := os.ReadFile(opts.queryFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func writeCSVFile(path string, t *table.Table, opts table.CSVOptions) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return table.WriteCSV(f, t, opts)
}
