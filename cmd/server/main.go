package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npu-bridge/npu-bridge-go/pkg/api"
	"github.com/npu-bridge/npu-bridge-go/pkg/bridge"
	"github.com/npu-bridge/npu-bridge-go/pkg/config"
	"github.com/npu-bridge/npu-bridge-go/pkg/driver"
	"github.com/npu-bridge/npu-bridge-go/pkg/history"
	"github.com/npu-bridge/npu-bridge-go/pkg/metrics"
	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/pkg/resourcepool"
	"github.com/npu-bridge/npu-bridge-go/pkg/results"
	"github.com/npu-bridge/npu-bridge-go/pkg/scheduler"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := utils.InitLogger(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := utils.GetLogger()
	logger.Info("Starting NPU bridge",
		utils.Component("main"),
		utils.String("environment", cfg.Environment))

	// Device driver
	npu, err := driver.NewIntelNPU(cfg.Device)
	if err != nil {
		logger.Fatal("Failed to create NPU driver", err, utils.Component("main"))
	}
	if err := npu.Initialize(context.Background(), cfg.Device); err != nil {
		logger.Fatal("Failed to initialize NPU device", err, utils.Component("main"))
	}

	// Coordination stack
	pool := resourcepool.NewResourcePool(cfg.PoolCapacities())
	agg := metrics.NewAggregator(cfg.MetricsHistorySize)
	exporter := metrics.NewPromExporter(cfg.Device.DeviceID)
	bus := utils.NewEventBus()

	bridgeConfig := bridge.Config{
		DefaultDeadline: cfg.DefaultDeadline(),
		Engine:          cfg.EngineConfig(),
	}
	b := bridge.New(bridgeConfig, pool, agg, npu, bus)
	b.SetExporter(exporter)

	// Terminal outcomes persist to SQLite so they survive restarts.
	store, err := history.NewStore(cfg.HistoryDBPath)
	if err != nil {
		logger.Fatal("Failed to open history store", err, utils.Component("main"))
	}
	defer store.Close()
	store.Subscribe(bus)

	// Redis result fan-out is optional.
	if cfg.RedisURL != "" {
		resultStore, err := results.NewStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, running without result fan-out",
				utils.Component("main"),
				utils.String("error", err.Error()))
		} else {
			defer resultStore.Close()
			resultStore.Subscribe(bus)
			logger.Info("Redis result store connected", utils.Component("main"))
		}
	}

	b.Start()

	// Recurring device health checks.
	sched := scheduler.NewService(b)
	if err := sched.AddTask(scheduler.Task{
		Name:     "device-health",
		Schedule: cfg.HealthCheckSchedule,
		Request:  models.OperationRequest{Kind: models.OperationKindHealthCheck},
	}); err != nil {
		logger.Fatal("Failed to schedule health checks", err, utils.Component("main"))
	}
	sched.Start()

	server := api.NewServer(b, exporter, store, cfg.Port)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", err, utils.Component("main"))
		}
	}()

	logger.Info("NPU bridge started",
		utils.Component("main"),
		utils.String("port", cfg.Port))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down", utils.Component("main"))
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error",
			utils.Component("main"),
			utils.String("error", err.Error()))
	}
	if err := b.Shutdown(); err != nil {
		logger.Warn("Engine shutdown error",
			utils.Component("main"),
			utils.String("error", err.Error()))
	}
	logger.Info("Shutdown complete", utils.Component("main"))
}
