// Package main hosts the scrape agent entrypoint.
//
// The agent registers with the coordinator over a persistent websocket,
// drives one headless Chrome session, and executes assigned commentary
// fetches until interrupted. It reconnects with backoff on any connection
// loss, so it can be started before the coordinator is up.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/agent"
	"github.com/JakeFAU/commentary-coordinator/internal/config"
	"github.com/JakeFAU/commentary-coordinator/internal/id/uuid"
	"github.com/JakeFAU/commentary-coordinator/internal/logging"
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

	workerID := cfg.Agent.WorkerID
	if workerID == "" {
		short, err := uuid.New().NewShortID()
		if err != nil {
			logger.Fatal("generate worker id failed", zap.Error(err))
		}
		workerID = "agent-" + short
	}

	browser, err := agent.NewChromeBrowser(agent.BrowserConfig{
		BaseURL:       cfg.Agent.BaseURL,
		CommentaryURL: cfg.Agent.CommentaryURL,
		FetchTimeout:  cfg.Agent.FetchTimeout,
		PollInterval:  cfg.Agent.PollInterval,
		Headless:      cfg.Agent.Headless,
	}, logger.Named("browser"))
	if err != nil {
		logger.Fatal("browser launch failed", zap.Error(err))
	}
	defer browser.Close()

	a, err := agent.New(agent.Config{
		WorkerID:               workerID,
		CoordinatorURL:         cfg.Agent.CoordinatorURL,
		MaxConsecutiveFailures: cfg.Agent.MaxConsecutiveFailures,
		ReconnectBackoff:       cfg.Agent.ReconnectBackoff,
		ReconnectBackoffMax:    cfg.Agent.ReconnectBackoffMax,
		PongTimeout:            cfg.Agent.PongTimeout,
	}, browser, logger)
	if err != nil {
		logger.Fatal("agent initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		zap.String("worker_id", workerID),
		zap.String("coordinator_url", cfg.Agent.CoordinatorURL))
	if err := a.Run(ctx); err != nil {
		logger.Error("agent exited with error", zap.Error(err))
	}
	logger.Info("agent stopped")
}
