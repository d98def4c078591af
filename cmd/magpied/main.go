package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"magpie/internal/activity"
	"magpie/internal/calibration"
	"magpie/internal/config"
	"magpie/internal/controller"
	"magpie/internal/daemon"
	"magpie/internal/fieldstate"
	"magpie/internal/logging"
	"magpie/internal/notifications"
	"magpie/internal/pipeline"
	"magpie/internal/research"
	"magpie/internal/tools"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewForDaemon(cfg.Logging.Level, cfg.Logging.Format, cfg.Paths.LogDir)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := research.Open(cfg)
	if err != nil {
		logger.Error("open research store", logging.Error(err))
		return
	}
	defer store.Close()

	graph, err := pipeline.DefaultGraph()
	if err != nil {
		logger.Error("build pipeline graph", logging.Error(err))
		return
	}

	registry := tools.NewRegistry()
	registerTools(registry, cfg)

	hub := activity.NewHub(512)
	notifier := notifications.NewService(cfg)

	calStore := calibration.NewStore(store.DB())
	detector := calibration.NewDetector(calStore, calibration.DetectorOptions{
		MinSamples: cfg.Calibration.MinSamples,
		WarningZ:   cfg.Calibration.AnomalyZWarning,
		CriticalZ:  cfg.Calibration.AnomalyZCritical,
		Logger:     logging.NewComponentLogger(logger, "detector"),
	})

	executor := pipeline.NewExecutor(store, registry, graph, hub, pipeline.ExecutorOptions{
		Weights: fieldstate.Weights{
			RequiredFields:      cfg.Publish.RequiredFields,
			OptionalFields:      cfg.Publish.OptionalFields,
			RequiredFieldWeight: cfg.Publish.RequiredFieldWeight,
			OptionalFieldWeight: cfg.Publish.OptionalFieldWeight,
			CompletionThreshold: cfg.Publish.CompletionThreshold,
		},
		LeaseTTL: leaseTTL(cfg),
		Logger:   logging.NewComponentLogger(logger, "executor"),
	})

	manager := controller.NewManager(cfg, store, executor, calStore, detector, notifier, hub,
		logging.NewComponentLogger(logger, "workflow"))

	d, err := daemon.New(cfg, store, manager, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("magpied shutting down")
}
