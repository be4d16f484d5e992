package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/baseline"
	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/executor"
	"github.com/t77yq/trainflow/internal/handler"
	"github.com/t77yq/trainflow/internal/storage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	nc, err := nats.Connect(
		viper.GetString("nats.urls.0"),
		nats.Name(viper.GetString("app.name")+"-worker"),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
	)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// The regression gate reads the shared baseline store.
	store, err := storage.NewSQLiteStore(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer store.Close()
	gate := baseline.NewManager(store, store, logger)

	registry := dag.NewHandlerRegistry()
	registry.Register("training_script", handler.NewTrainingScriptHandler(logger))
	registry.Register("metrics_export", handler.NewMetricsExportHandler(logger))
	registry.Register("model_validation", handler.NewModelValidationHandler(gate, logger))

	if containerHandler, err := handler.NewTrainingContainerHandler(logger); err != nil {
		logger.Warn("Docker unavailable, container jobs disabled", zap.Error(err))
	} else {
		registry.Register("training_container", containerHandler)
	}

	runtime := executor.NewRuntime(js, executor.Config{
		WorkerID:          viper.GetString("worker.id"),
		Capabilities:      viper.GetStringSlice("worker.capabilities"),
		MaxConcurrency:    viper.GetInt("worker.max_concurrency"),
		HeartbeatInterval: viper.GetDuration("worker.heartbeat_interval"),
	}, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runtime.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker runtime", zap.Error(err))
	}

	logger.Info("Worker ready", zap.String("worker_id", runtime.WorkerID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	runtime.Stop()
	// Give in-flight results a moment to publish before closing.
	time.Sleep(500 * time.Millisecond)
	logger.Info("Worker shutting down gracefully")
}
