package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/visioncare/be-screening-workflow/internal/auth"
	"github.com/visioncare/be-screening-workflow/internal/client"
	"github.com/visioncare/be-screening-workflow/internal/config"
	"github.com/visioncare/be-screening-workflow/internal/database"
	"github.com/visioncare/be-screening-workflow/internal/events"
	"github.com/visioncare/be-screening-workflow/internal/handler"
	"github.com/visioncare/be-screening-workflow/internal/logger"
	"github.com/visioncare/be-screening-workflow/internal/middleware"
	"github.com/visioncare/be-screening-workflow/internal/repository"
	"github.com/visioncare/be-screening-workflow/internal/service"
	"github.com/visioncare/be-screening-workflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Screening Workflow Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Debug:       cfg.Telemetry.Debug,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}

	// Backing store: postgres in production, memory for local development
	// and tests.
	var store repository.Store
	switch cfg.Workflow.StoreDriver {
	case "postgres":
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		store = repository.NewPostgres(db)
		log.Info().Msg("Database connection established")
	case "memory":
		store = repository.NewMemory()
		log.Warn().Msg("Using in-memory store; state is not persisted")
	}

	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	patientClient := client.NewPatientClient(cfg.Patient.BaseURL, cfg.Patient.Timeout)

	publisher, err := events.Connect(cfg.NATS.URL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer publisher.Close()
	if publisher == nil {
		log.Warn().Msg("NATS_URL not set; event publishing disabled")
	}

	clock := service.NewSystemClock()
	workflowService := service.NewWorkflowService(store, patientClient, publisher, clock, service.Config{
		LockAcquireTimeout:  cfg.Workflow.LockAcquireTimeout,
		DefaultLockDuration: cfg.Workflow.DefaultLockDuration,
		ApprovalExpiry:      cfg.Workflow.ApprovalExpiry,
		ActiveUserWindow:    cfg.Workflow.ActiveUserWindow,
	}, log)

	sweeper := service.NewSweeper(store, clock, cfg.Workflow.SweeperInterval, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	httpHandler := handler.NewHTTPHandler(workflowService, log)

	apiMux := http.NewServeMux()
	httpHandler.Register(apiMux)

	var api http.Handler = apiMux
	api = auth.Middleware(identityClient, &log.Logger)(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", httpHandler.Health)
	mux.Handle("/", api)

	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = otelhttp.NewHandler(h, "screening-workflow")

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC exposes health and reflection for the platform's probes.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Telemetry shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
