package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"remotecopy/config"
	"remotecopy/core"
	"remotecopy/logging"
	"remotecopy/metrics"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to config file")
	historyPath := flag.String("history", "history.json", "Path to history file")
	once := flag.Bool("once", false, "Run every task once and exit")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	if err := run(*configPath, *historyPath, *once, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, historyPath string, once bool, logLevel string) error {
	// 1. Load Config
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init Logging
	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()
	if logLevel != "" {
		logging.SetLevel(logLevel)
	}
	log := logging.L()

	// 3. Init History
	hm := core.NewHistoryManager(historyPath)
	if err := hm.Load(); err != nil {
		log.Warn("failed to load history", zap.Error(err))
	}

	// 4. Init Transfer Manager and Runner
	tm := core.NewTransferManager(hm, log)
	runner := core.NewRunner(cfg, tm, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		return runner.RunOnce(ctx)
	}

	// 5. Metrics endpoint
	srv := startMetrics(cfg.MetricsAddr, log)

	if err := runner.Start(); err != nil {
		log.Error("some tasks were not scheduled", zap.Error(err))
	}
	log.Info("remotecopy started", zap.Int("tasks", len(cfg.Tasks)))

	// 6. Wait for signal
	<-ctx.Done()
	log.Info("shutting down")
	runner.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return hm.Save()
}

func startMetrics(addr string, log *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
