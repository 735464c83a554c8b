package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"acp-orchestrator/internal/api"
	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/auth"
	"acp-orchestrator/internal/config"
	"acp-orchestrator/internal/dlq"
	"acp-orchestrator/internal/engine"
	"acp-orchestrator/internal/executor"
	"acp-orchestrator/internal/logging"
	"acp-orchestrator/internal/mcp"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/internal/resilience"
	"acp-orchestrator/internal/services"
	"acp-orchestrator/internal/tls"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configFile)
		},
	}
}

func runServe(configFile string) error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger.Info("Starting workflow orchestration service")

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	logger.Info("Database connected")

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
	queue := dlq.NewQueue(store, ledger, eng, logger, cfg.Resilience.MaxAttempts)

	logger.Info("Service layer initialized")

	// Worker pool runs alongside the API server and drains on shutdown.
	pool := engine.NewPool(store, eng, logger, engine.PoolConfig{
		Size:         cfg.Worker.PoolSize,
		PollInterval: cfg.Worker.PollInterval,
		LeaseTTL:     cfg.Worker.LeaseTTL,
		InputMaxAge:  cfg.Worker.InputMaxAge,
	})
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		pool.Run(workerCtx)
	}()

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("acp-orchestrator"))

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		stopWorkers()
		return err
	}

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	server := api.NewServer(eng, queue, ledger, store, logger)
	e.GET("/health", server.HandleHealth)

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(authz.Middleware())
	server.RegisterRoutes(apiGroup)

	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(eng)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	addr := ":8080"
	if cfg.TLS.Enable {
		addr = ":8443"
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting on %s (tls=%v)", addr, cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- httpServer.ListenAndServe()
				return
			}
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) && len(cfg.TLS.Hostnames) > 0 {
				if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
					logger.Error("failed to generate self-signed cert: %v", err)
				}
			}
			serverErrors <- httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		stopWorkers()
		<-workersDone
		if err != http.ErrServerClosed {
			return err
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received: %v", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("Server close error: %v", err)
			}
		}

		stopWorkers()
		<-workersDone
		logger.Info("Server stopped gracefully")
	}
	return nil
}
