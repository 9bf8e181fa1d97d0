// Tutor pipeline HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/tutor-pipeline/internal/api"
	"github.com/ashureev/tutor-pipeline/internal/config"
	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/ashureev/tutor-pipeline/internal/identity"
	"github.com/ashureev/tutor-pipeline/internal/limiter"
	"github.com/ashureev/tutor-pipeline/internal/middleware"
	"github.com/ashureev/tutor-pipeline/internal/provider"
	"github.com/ashureev/tutor-pipeline/internal/session"
	"github.com/ashureev/tutor-pipeline/internal/store"
	"github.com/ashureev/tutor-pipeline/internal/telemetry"
	"github.com/ashureev/tutor-pipeline/internal/tutor"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.Log, os.Stdout)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry, version)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	// Persistence.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	if cfg.Session.TTL > 0 {
		removed, err := repo.CleanupExpiredSessions(ctx, cfg.Session.TTL)
		if err != nil {
			slog.Error("Failed to clean up expired sessions", "error", err)
			os.Exit(1)
		}
		slog.Info("Expired session cleanup complete", "removed", removed)
	}

	sessions := session.NewStore(session.WithPersister(repo), session.WithLogger(logger))
	restored, err := sessions.Restore(ctx, repo)
	if err != nil {
		slog.Error("Failed to restore sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("Sessions restored", "count", restored)

	// Admission control.
	authLimiter := limiter.New(cfg.RateLimit.Auth.LimiterConfig(), limiter.WithLogger(logger))
	defer authLimiter.Close()
	askLimiter := limiter.New(cfg.RateLimit.Ask.LimiterConfig(), limiter.WithLogger(logger))
	defer askLimiter.Close()
	requestLimiter := limiter.New(cfg.RateLimit.Request.LimiterConfig(), limiter.WithLogger(logger))
	defer requestLimiter.Close()

	// Tutor pipeline.
	client := provider.New(cfg.ProviderClientConfig(),
		provider.WithSessions(sessions),
		provider.WithLogger(logger),
	)

	convLog, err := tutor.NewConversationLogger(tutor.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := convLog.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	}()

	svc := tutor.NewService(sessions, client,
		tutor.WithAskLimiter(askLimiter),
		tutor.WithProcessorConfig(cfg.ProcessorConfig()),
		tutor.WithSystemPrompt(cfg.Session.SystemPrompt),
		tutor.WithConversationLog(convLog),
		tutor.WithServiceLogger(logger),
	)

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}
	tutorHandler := tutor.NewHandler(svc,
		tutor.WithHeartbeat(cfg.SSE.HeartbeatInterval),
		tutor.WithAllowedOrigins(origins),
		tutor.WithHandlerLogger(logger),
	)
	defer tutorHandler.Close()
	healthHandler := api.NewHandler(repo, client, version)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))
	r.Use(middleware.RateLimit(requestLimiter))

	// Public routes.
	healthHandler.RegisterRoutes(r)

	// Tutor routes need an identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(authLimiter, cfg.IsDevelopment()))
		tutorHandler.RegisterRoutes(r)
	})

	// Note: SSE and WebSocket streams require no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	sessions.StartTTLWorker(ctx, cfg.Session.TTL, cfg.Session.SweepInterval, func(sess domain.Session) {
		tutorHandler.CloseSession(sess.Owner, sess.ID)
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "provider_enabled", client.Healthy(), "model", client.Model())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tutorHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}
