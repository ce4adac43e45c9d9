// Package main provides the entry point for the risk engine server:
// Kelly position sizing, drawdown and daily loss circuit breakers,
// correlation exposure limits and market regime detection behind one
// pre-trade gate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/api"
	"github.com/atlas-desktop/risk-engine/internal/breaker"
	"github.com/atlas-desktop/risk-engine/internal/config"
	"github.com/atlas-desktop/risk-engine/internal/correlation"
	"github.com/atlas-desktop/risk-engine/internal/engine"
	"github.com/atlas-desktop/risk-engine/internal/events"
	"github.com/atlas-desktop/risk-engine/internal/metrics"
	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/atlas-desktop/risk-engine/internal/sizing"
	"github.com/atlas-desktop/risk-engine/internal/workers"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: ./configs or working directory)")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	logger.Info("Starting risk engine",
		zap.String("environment", cfg.Environment),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus(logger, cfg.EventBusConfig())
	defer bus.Stop()

	components := engine.Components{
		Kelly:   sizing.NewKellyCriterion(logger, cfg.KellySizerConfig()),
		Breaker: breaker.NewCircuitBreaker(logger, cfg.CircuitBreakerConfig()),
		Daily:   breaker.NewDailyLossCircuitBreaker(logger, cfg.DailyLossConfig()),
		Tracker: correlation.NewTracker(logger, cfg.TrackerConfig()),
		Regime:  regime.NewDetector(logger, cfg.DetectorConfig()),
	}
	riskEngine := engine.New(logger, components, bus)

	registry := metrics.NewRegistry(logger)
	registry.Attach(bus)

	wsHub := api.NewHub(logger, cfg.Server.HeartbeatInterval)
	bus.SubscribeAll(wsHub.HandleEvent)
	go wsHub.Run(ctx)

	evalPool := workers.NewPool(logger, workers.DefaultPoolConfig("evaluate"))
	evalPool.Start()
	defer evalPool.Stop()

	server := api.NewServer(logger, api.ServerConfig{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		SnapshotInterval: cfg.Server.SnapshotInterval,
	}, riskEngine, registry, wsHub, evalPool)
	go server.RunSnapshots(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics", fmt.Sprintf("http://%s:%d/metrics", cfg.Server.Host, cfg.Server.Port)),
	)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func setupLogger(level, format string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	if format == "json" {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
