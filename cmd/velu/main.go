// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/manishadha/velu/internal/config"
	"github.com/manishadha/velu/internal/httpapi"
	"github.com/manishadha/velu/internal/obs"
	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/store"
	"github.com/manishadha/velu/internal/tasklog"
	"github.com/manishadha/velu/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: http|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer db.Close()

	q := queue.New(db, cfg.Queue.MaxAttempts, cfg.Queue.RetryBaseSec)

	var sink *tasklog.Sink
	if cfg.TaskLog.Path != "" {
		sink, err = tasklog.Open(cfg.TaskLog.Path, cfg.TaskLog.RotateSize, cfg.TaskLog.MaxBackups)
		if err != nil {
			logger.Fatal("failed to open task log", obs.Err(err))
		}
		defer sink.Close()
	}

	metricsSrv := obs.StartMetricsServer(cfg.Observability.MetricsAddr)
	defer func() { _ = metricsSrv.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		// If a second signal arrives, force exit
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "http":
		runHTTP(ctx, cfg, db, q, logger, sink)
	case "worker":
		runWorker(ctx, cfg, q, logger)
	case "all":
		go runHTTP(ctx, cfg, db, q, logger, sink)
		runWorker(ctx, cfg, q, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runHTTP(ctx context.Context, cfg *config.Config, db *sql.DB, q *queue.Queue, logger *zap.Logger, sink *tasklog.Sink) {
	srv := httpapi.New(cfg, db, q, logger, sink)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("http server listening", obs.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("http server error", obs.Err(err))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, q *queue.Queue, logger *zap.Logger) {
	w := worker.New(cfg, q, logger)
	if err := w.Run(ctx); err != nil {
		logger.Fatal("worker error", obs.Err(err))
	}
}
