package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/config"
	"acp-orchestrator/internal/engine"
	"acp-orchestrator/internal/executor"
	"acp-orchestrator/internal/logging"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/internal/resilience"
	"acp-orchestrator/internal/services"
)

func newWorkerCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool, without the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(*configFile)
		},
	}
}

// runWorker runs a standalone pool against the shared database. Useful
// for scaling step execution independently of the API instances.
func runWorker(configFile string) error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger.Info("Starting standalone worker pool")

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	store := repository.NewPostgresStore(dbPool)
	ledger := audit.NewLedger(store)

	caller := resilience.NewCaller(resilience.Config{
		MaxAttempts:      cfg.Resilience.MaxAttempts,
		BackoffMin:       cfg.Resilience.BackoffMin,
		BackoffMax:       cfg.Resilience.BackoffMax,
		BackoffFactor:    cfg.Resilience.BackoffFactor,
		CallTimeout:      cfg.Resilience.CallTimeout,
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Cooldown:         cfg.Resilience.Cooldown,
		CooldownMax:      cfg.Resilience.CooldownMax,
	}, logger)

	completion := services.NewHTTPCompletionClient(
		cfg.CompletionService.URL, cfg.CompletionService.APIKey, cfg.CompletionService.Model)
	knowledge := services.NewHTTPKnowledgeClient(cfg.KnowledgeService.URL)
	exec := executor.NewAgentExecutor(completion, knowledge, caller, logger, cfg.KnowledgeService.TopK)

	pipeline, err := engine.LoadPipeline(cfg.Pipeline.File)
	if err != nil {
		return err
	}
	eng := engine.New(store, ledger, exec, pipeline, logger, engine.Config{
		InputMaxAge: cfg.Worker.InputMaxAge,
		MaxAttempts: cfg.Resilience.MaxAttempts,
	})
	pool := engine.NewPool(store, eng, logger, engine.PoolConfig{
		Size:         cfg.Worker.PoolSize,
		PollInterval: cfg.Worker.PollInterval,
		LeaseTTL:     cfg.Worker.LeaseTTL,
		InputMaxAge:  cfg.Worker.InputMaxAge,
	})

	workerCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(workerCtx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("Shutdown signal received: %v", sig)

	stop()
	<-done
	logger.Info("Worker pool stopped gracefully")
	return nil
}
