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

	"github.com/t77yq/trainflow/internal/api"
	"github.com/t77yq/trainflow/internal/backfill"
	"github.com/t77yq/trainflow/internal/baseline"
	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/monitor"
	"github.com/t77yq/trainflow/internal/queue"
	"github.com/t77yq/trainflow/internal/schedule"
	"github.com/t77yq/trainflow/internal/storage"
	"github.com/t77yq/trainflow/internal/worker"
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

	nc := connectNATS(logger)
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	store, err := storage.NewSQLiteStore(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := worker.NewManager(worker.Config{
		StalenessWindow: viper.GetDuration("workers.staleness_window"),
		CheckInterval:   viper.GetDuration("workers.check_interval"),
	}, logger)
	if err := workers.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker manager", zap.Error(err))
	}
	defer workers.Stop()

	execQueue, err := queue.NewExecutionQueue(js, workers, queue.Config{
		JobTimeout: viper.GetDuration("queue.job_timeout"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create execution queue", zap.Error(err))
	}
	defer execQueue.Close()

	transport, err := queue.NewWorkerTransport(js, workers, logger)
	if err != nil {
		logger.Fatal("Failed to create worker transport", zap.Error(err))
	}
	defer transport.Close()

	orchestrator := dag.NewOrchestrator(execQueue, store, store, logger)
	backfiller := backfill.NewOrchestrator(orchestrator, store, logger)
	baselines := baseline.NewManager(store, store, logger)

	alerts := monitor.NewAlertManager(js, logger)
	alerts.RegisterChannel("log", monitor.NewLogChannel(logger))
	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}
	defer alerts.Stop()
	baselines.SetAlertSink(monitor.NewAlertPublisher(js, logger))

	scheduler := schedule.NewWorkflowScheduler(orchestrator, logger)
	scheduler.Start()
	defer scheduler.Stop()

	go retentionLoop(ctx, store, logger)

	server := api.NewServer(api.Deps{
		DAG:       orchestrator,
		Backfill:  backfiller,
		Workers:   workers,
		Queue:     execQueue,
		Baselines: baselines,
		Schedules: scheduler,
		Alerts:    alerts,
		Store:     store,
	}, logger)

	go func() {
		if err := server.Start(viper.GetString("server.addr")); err != nil {
			logger.Error("API server failed", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}

// connectNATS connects with retry and reconnect handling
func connectNATS(logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))
	return nc
}

// retentionLoop prunes old execution records once a day
func retentionLoop(ctx context.Context, store *storage.SQLiteStore, logger *zap.Logger) {
	retention := viper.GetDuration("storage.retention")
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if err := store.DeleteExecutionsBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to prune old executions", zap.Error(err))
			}
		}
	}
}
