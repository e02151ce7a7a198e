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
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relayworks/browser-relay/internal/auth"
	"github.com/relayworks/browser-relay/internal/config"
	"github.com/relayworks/browser-relay/internal/health"
	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/mcpserver"
	"github.com/relayworks/browser-relay/internal/middleware"
	"github.com/relayworks/browser-relay/internal/ratelimit"
	"github.com/relayworks/browser-relay/internal/runner"
	"github.com/relayworks/browser-relay/internal/store"
	"github.com/relayworks/browser-relay/internal/tracing"
	"github.com/relayworks/browser-relay/internal/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../.env"}
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

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "browser-relay", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("✅ Tracing initialized", "collector", collectorAddr)
		}
	}

	// --- Optional JWT validator for the MCP HTTP surface ---
	var authValidator *auth.Validator
	if cfg.JWTDomain != "" {
		authValidator, err = auth.NewValidator(context.Background(), cfg.JWTDomain, cfg.JWTAudience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ JWT validator initialized", "domain", cfg.JWTDomain, "audience", cfg.JWTAudience)
	}

	// --- Redis Snapshot Store (Optional) ---
	var snapshots *store.SnapshotStore
	if cfg.RedisEnabled {
		snapshots, err = store.NewSnapshotStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			snapshots = nil // Fallback: rooms rebuild state from live traffic
		} else {
			slog.Info("✅ Redis snapshot store initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate limiter ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, snapshots.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Hub and MCP surface ---
	hub := transport.NewHub(cfg, snapshots, rateLimiter)

	runnerClient := runner.NewClient(cfg.RunnerAddr)
	mcpSrv := mcpserver.New(func(req *http.Request, roomID string) (mcpserver.Room, error) {
		r, err := hub.RoomForMCP(req, roomID)
		if r == nil {
			return nil, err
		}
		return r, err
	}, runnerClient, authValidator)

	// --- Set up Server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.AllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Correlation-ID")
	router.Use(cors.New(corsConfig))

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("browser-relay"))
	router.Use(rateLimiter.GlobalMiddleware())

	// Routing
	roomGroup := router.Group("/room/:roomId")
	{
		roomGroup.GET("/extension", hub.ServeExtension)
		roomGroup.GET("/extension/status", hub.ExtensionStatus)
		roomGroup.GET("/local", hub.ServeLocal)
		roomGroup.GET("/local/status", hub.LocalStatus)
		roomGroup.GET("/local/:clientId", hub.ServeLocal)
		roomGroup.GET("/mcp", hub.ServeAgent)
		roomGroup.GET("/mcp/:clientId", hub.ServeAgent)
		roomGroup.GET("/targets", hub.RoomTargets)
		roomGroup.GET("/health", hub.RoomHealth)
		roomGroup.Any("/mcp-server", mcpSrv.Handle)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(snapshots, cfg.RunnerHealthAddr, cfg.RunnerHealthCheckEnabled)
	router.GET("/health", healthHandler.Liveness)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Relay server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
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
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if snapshots != nil {
		if err := snapshots.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
