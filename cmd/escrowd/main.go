package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skillchain/config"
	"skillchain/observability/logging"
	telemetry "skillchain/observability/otel"
	"skillchain/services/escrowd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./escrowd.toml", "path to escrowd config (toml or yaml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser := logging.Setup(cfg.Service.Name, cfg.Service.Environment, logging.Options{
		Level: logging.ParseLevel(cfg.Logging.Level),
		File:  cfg.Logging.File,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	daemon, err := escrowd.New(cfg, logger)
	if err != nil {
		logger.Error("build daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := daemon.Run(ctx)
	if err := daemon.Close(); err != nil {
		logger.Warn("close daemon", slog.Any("error", err))
	}
	if runErr != nil {
		logger.Error("escrowd stopped", slog.Any("error", runErr))
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}
