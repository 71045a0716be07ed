package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	_ "go.uber.org/automaxprocs"

	"archflow/backend/internal/api"
	"archflow/backend/internal/config"
	"archflow/backend/internal/health"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/mcp"
	"archflow/backend/internal/observability"
	"archflow/backend/internal/repository"
	"archflow/backend/internal/services"
	"archflow/backend/internal/storage"
	"archflow/backend/pkg/models"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "archflow",
		Short:         "Architectural design generation, compliance and feedback service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	var memory bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			return serveCmd(cmd.Context(), cfg, memory)
		},
	}
	serve.Flags().BoolVar(&memory, "memory", false, "Keep all state in memory instead of Postgres")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
			pool, err := initDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := repository.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}

	root.AddCommand(serve, migrate)
	return root
}

func serveCmd(ctx context.Context, cfg *config.Config, memory bool) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	logger.Info("Starting Archflow", "version", version, "environment", cfg.Environment, "memory", memory)

	metrics := observability.NewInstruments()

	// Repository
	var repo repository.Repository
	if memory {
		repo = repository.NewMemoryStore()
		logger.Warn("Using in-memory repository; state is lost on restart")
	} else {
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("database initialization failed: %w", err)
		}
		defer pool.Close()
		if err := repository.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		repo = repository.NewPostgresStore(pool)
		logger.Info("Database connected")
	}

	var blobs storage.BlobStore
	if cfg.Storage.Endpoint == "" {
		blobs = storage.NewMemoryStore()
		logger.Warn("No storage endpoint configured; blobs are kept in memory")
	} else {
		store, err := storage.NewMinIOStore(storage.MinIOConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			return fmt.Errorf("storage initialization failed: %w", err)
		}
		blobs = store
	}

	// Health registry
	httpClient := &http.Client{}
	registry := health.NewRegistry(health.HTTPProber{Client: httpClient}, health.Options{
		ProbeTimeout:    cfg.Health.ProbeTimeout,
		RefreshInterval: cfg.Health.RefreshInterval,
		FailureCooldown: cfg.Health.FailureCooldown,
	}, logger, metrics)
	endpoints := map[string]config.ServiceConfig{
		services.DependencyCompliance:    cfg.Services.Compliance,
		services.DependencyOptimization:  cfg.Services.Optimization,
		services.DependencySpecGenerator: cfg.Services.SpecGenerator,
		services.DependencyRenderer:      cfg.Services.Renderer,
	}
	if cfg.Services.WorkflowEngine.Enabled {
		endpoints[services.DependencyWorkflowEngine] = cfg.Services.WorkflowEngine.ServiceConfig
	}
	for name, svc := range endpoints {
		registry.Register(models.ServiceEndpoint{
			Name:       name,
			BaseURL:    svc.URL,
			HealthPath: svc.HealthPath,
			Timeout:    svc.Timeout,
		})
	}
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go registry.Run(healthCtx)

	// Clients
	deps := services.Deps{Registry: registry, Logger: logger, Metrics: metrics, HTTP: httpClient}
	transportFor := func(svc config.ServiceConfig) services.TransportOptions {
		return services.TransportOptions{
			Timeout:         svc.Timeout,
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			RPS:             cfg.RateLimit.RPS,
			Burst:           cfg.RateLimit.Burst,
		}
	}

	catalog := services.DefaultCatalog()
	if cfg.Compliance.CatalogFile != "" {
		loaded, err := services.LoadCatalog(cfg.Compliance.CatalogFile)
		if err != nil {
			return fmt.Errorf("recommendation catalog: %w", err)
		}
		catalog = loaded
	}
	compliance := services.NewComplianceClient(cfg.Services.Compliance.URL, transportFor(cfg.Services.Compliance), services.ComplianceOptions{
		HighThreshold:   cfg.Compliance.HighThreshold,
		MediumThreshold: cfg.Compliance.MediumThreshold,
		Catalog:         catalog,
	}, deps)
	optimizer := services.NewOptimizationClient(cfg.Services.Optimization.URL, transportFor(cfg.Services.Optimization), deps)
	generator := services.NewHTTPSpecGenerator(cfg.Services.SpecGenerator.URL, transportFor(cfg.Services.SpecGenerator), deps)
	renderer := services.NewHTTPGeometryRenderer(cfg.Services.Renderer.URL, transportFor(cfg.Services.Renderer), deps)

	var engine services.WorkflowEngine
	if cfg.Services.WorkflowEngine.Enabled {
		engine = services.NewHTTPWorkflowEngine(cfg.Services.WorkflowEngine.URL, transportFor(cfg.Services.WorkflowEngine.ServiceConfig), deps)
	}
	tracker := services.NewWorkflowTracker(repo, registry, engine, services.TrackerOptions{
		RunTimeout:        cfg.Workflow.RunTimeout,
		ReconcileInterval: cfg.Workflow.ReconcileInterval,
		OrphanGrace:       cfg.Workflow.OrphanGrace,
	}, logger, metrics)
	recovered, err := tracker.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("run recovery failed: %w", err)
	}
	if recovered > 0 {
		logger.Warn("Failed in-process runs left over from a previous process", "count", recovered)
	}
	go tracker.Run(healthCtx)

	// Services
	design := services.NewDesignService(services.DesignDeps{
		Generator:  generator,
		Compliance: compliance,
		Optimizer:  optimizer,
		Geometry:   services.NewGeometryService(renderer, blobs, repo),
		Artifacts:  repo,
		Results:    repo,
		Tracker:    tracker,
		Logger:     logger,
		Metrics:    metrics,
	})
	feedback := services.NewFeedbackService(repo, repo, services.FeedbackOptions{
		RatingMin:     cfg.Feedback.RatingMin,
		RatingMax:     cfg.Feedback.RatingMax,
		PairThreshold: cfg.Feedback.TrainingPairThreshold,
	}, tracker, optimizer, logger)
	services.NewDocumentIngestor(blobs, httpClient, tracker, services.IngestionOptions{
		AllowedHosts: cfg.Ingestion.AllowedHosts,
	}, logger)

	logger.Info("Service layer initialized")

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.HTTPErrorHandler
	e.Use(otelecho.Middleware("archflow"))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	apiServer := &api.Server{
		Design:    design,
		Feedback:  feedback,
		Workflows: tracker,
		Registry:  registry,
		Store:     repo,
		Logger:    logger,
		Version:   version,
	}
	e.GET("/health", apiServer.HandleHealth)
	api.RegisterHandlersWithBaseURL(e, apiServer, "/api/v1")
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(design, feedback, tracker, registry, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler()))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler("/openapi.yaml")))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Workflow.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		stopHealth()
		if err := tracker.Shutdown(shutdownCtx); err != nil {
			logger.Warn("In-process runs did not finish before shutdown", "error", err)
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
