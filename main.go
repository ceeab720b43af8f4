package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	config "cumulus/app/configs"
	"cumulus/app/core/agent"
	"cumulus/app/core/approval"
	"cumulus/app/core/conversation"
	httpserver "cumulus/app/core/interaction/http"
	"cumulus/app/core/interaction/http/httpstate"
	"cumulus/app/core/queue"
	"cumulus/app/core/storage/db"
	"cumulus/app/pkg/logger"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Cumulus Agent Starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	database, err := db.NewSQLiteDB(filepath.Join(cfg.Server.DataDir, "db"))
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database initialized successfully")

	broadcaster := approval.NewPollBroadcaster(database, time.Duration(cfg.Approval.PollIntervalMs)*time.Millisecond)
	defer broadcaster.Close()

	approvals := approval.NewStore(database, broadcaster)
	waiter := approval.NewWaiter(broadcaster)
	defer waiter.Close()

	conversations := conversation.NewStore(database)

	var planner agent.Planner = agent.HeuristicPlanner{}
	if apiKey := os.Getenv(cfg.Planner.APIKeyEnv); apiKey != "" {
		planner = agent.NewOpenAIPlanner(apiKey, cfg.Planner.Model)
		logger.Info("Planner: %s", cfg.Planner.Model)
	} else {
		logger.Info("Planner: heuristic (no %s set)", cfg.Planner.APIKeyEnv)
	}

	executor := agent.NewExecutor(planner, approvals, waiter, conversations)
	executor.SetTokenBudget(cfg.Task.TokenWarnThreshold, cfg.Task.TokenExceedThreshold)
	if runLog, err := agent.NewRunLog(filepath.Join(cfg.Server.DataDir, "runs")); err != nil {
		logger.Error("Run log disabled: %v", err)
	} else {
		executor.SetRunLog(runLog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := queue.New(cfg.Queue.Buffer)
	if err := jobs.Start(ctx, cfg.Queue.Workers); err != nil {
		logger.Error("Failed to start task queue: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobs.Stop(3 * time.Second); err != nil {
			logger.Error("Task queue shutdown timeout: %v", err)
		}
	}()

	go sweepExpiredApprovals(ctx, approvals, time.Duration(cfg.Approval.SweepIntervalSec)*time.Second)

	hub := httpstate.NewHub(cfg.Task.StreamBuffer)
	server := httpserver.NewServer(cfg.Server.Port, hub, executor, approvals, jobs)
	server.SetApprovalTTLBounds(cfg.Approval.DefaultTTLSec, cfg.Approval.MaxTTLSec)
	server.SetAttemptTimeout(time.Duration(cfg.Queue.AttemptTimeoutSec) * time.Second)
	server.SetStatusProvider(func(context.Context) map[string]interface{} {
		return map[string]interface{}{
			"pending_waits": waiter.Pending(),
		}
	})

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("HTTP server crashed: %v", err)
			os.Exit(1)
		}
	}()

	logger.Info("Cumulus is ready to serve.")
	fmt.Printf("- Submit tasks:  http://localhost:%d/api/agent/tasks (POST)\n", cfg.Server.Port)
	fmt.Printf("- Approvals:     http://localhost:%d/api/approvals\n", cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Cumulus Shutting Down...", sig)
	cancel()
}

// sweepExpiredApprovals garbage-collects expired approval rows and old
// broadcast rows on a fixed interval.
func sweepExpiredApprovals(ctx context.Context, approvals *approval.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := approvals.SweepExpired(ctx)
			if err != nil {
				logger.Error("Approval sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Info("Approval sweep removed %d expired records", removed)
			}
		}
	}
}
