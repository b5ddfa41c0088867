package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/coedit-live/coedit/backend/go/internal/v1/auth"
	"github.com/coedit-live/coedit/backend/go/internal/v1/bus"
	"github.com/coedit-live/coedit/backend/go/internal/v1/config"
	"github.com/coedit-live/coedit/backend/go/internal/v1/health"
	"github.com/coedit-live/coedit/backend/go/internal/v1/httpapi"
	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/middleware"
	"github.com/coedit-live/coedit/backend/go/internal/v1/ratelimit"
	"github.com/coedit-live/coedit/backend/go/internal/v1/store"
	"github.com/coedit-live/coedit/backend/go/internal/v1/tracing"
	"github.com/coedit-live/coedit/backend/go/internal/v1/transport"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		slog.Warn("⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Auth validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		validator = v
	}

	// --- Store Initialization ---
	// Postgres when DATABASE_URL is set, in-memory otherwise.
	var st store.Store
	var dbPinger health.DBPinger
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Postgres store initialized")
		st = pg
		dbPinger = pg.DB()
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (documents will not survive restarts)")
		st = store.NewMemoryStore()
	}

	// --- Redis Bus Initialization (Optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	var tracingEnabled bool
	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "collab-go", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			tracingEnabled = true
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					slog.Error("Failed to shut down tracer provider", "error", err)
				}
			}()
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(transport.HubConfig{
		Store:           st,
		Validator:       validator,
		Bus:             busService,
		RateLimiter:     rateLimiter,
		InstanceID:      uuid.NewString(),
		StalenessWindow: cfg.StalenessWindow,
		AwayAfter:       cfg.AwayAfter,
		JoinTimeout:     cfg.JoinTimeout,
		SkipAuth:        skipAuth,
		AllowedOrigins:  allowedOrigins,
	})

	// --- Set up Server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware("collab-go"))
	}
	router.Use(rateLimiter.APIMiddleware())

	// Realtime collaboration endpoint
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:roomId", hub.ServeWs)
	}

	// REST admin surface
	httpapi.NewHandler(st, auth.NewUserService(validator)).Register(router, rateLimiter)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, dbPinger)
	router.GET("/health", healthHandler.Liveness)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Collaboration server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}

	slog.Info("Server exiting")
}
