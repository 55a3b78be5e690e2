// Package main hosts the commentary coordinator entrypoint.
//
// The coordinator owns the monotonic resource cursor and the worker pool. It
// accepts agent websocket connections on coordinator.port at
// coordinator.ws_path, hands out one fetch job at a time cluster-wide, and
// serves the operator surface (health, status, accounts, metrics, worker
// restarts) on coordinator.admin_port.
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/api"
	"github.com/JakeFAU/commentary-coordinator/internal/app"
	"github.com/JakeFAU/commentary-coordinator/internal/clock/system"
	"github.com/JakeFAU/commentary-coordinator/internal/config"
	"github.com/JakeFAU/commentary-coordinator/internal/coordinator"
	"github.com/JakeFAU/commentary-coordinator/internal/logging"
	"github.com/JakeFAU/commentary-coordinator/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Init(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("service initialization failed", zap.Error(err))
	}
	defer services.Close(context.Background())

	coord, err := coordinator.New(coordinator.Config{
		StartResourceID:        cfg.Coordinator.StartResourceID,
		AssignmentInterval:     cfg.Coordinator.AssignmentInterval,
		InactivityTimeout:      cfg.Coordinator.InactivityTimeout,
		SweepInterval:          cfg.Coordinator.SweepInterval,
		JobTimeout:             cfg.Coordinator.JobTimeout,
		PingInterval:           cfg.Coordinator.PingInterval,
		SessionRefreshInterval: cfg.Coordinator.SessionRefreshInterval,
		SlowWorkerThreshold:    cfg.Coordinator.SlowWorkerThreshold,
	}, coordinator.Deps{
		Accounts: services.Accounts(),
		State:    services.Store(),
		Alerts:   services.Alerts(),
		Market:   services.Market(),
		Clock:    system.New(),
		Logger:   logger.Named("coordinator"),
	})
	if err != nil {
		logger.Fatal("coordinator initialization failed", zap.Error(err))
	}

	wsMux := http.NewServeMux()
	wsMux.Handle(cfg.Coordinator.WSPath, coord.Handler())
	wsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Coordinator.Port),
		Handler:           wsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	adminSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Coordinator.AdminPort),
		Handler:           api.NewServer(coord, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	reactorDone := make(chan error, 1)
	go func() {
		logger.Info("coordinator started",
			zap.Int("port", cfg.Coordinator.Port),
			zap.String("ws_path", cfg.Coordinator.WSPath))
		reactorDone <- coord.Run(ctx)
	}()

	go func() {
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker listener error", zap.Error(err))
			stop()
		}
	}()

	go func() {
		logger.Info("admin server started", zap.Int("port", cfg.Coordinator.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker listener shutdown error", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}
	if err := <-reactorDone; err != nil {
		logger.Error("coordinator exited with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
