package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/store"
)

// RunnerChecker checks the health of the sandboxed code runner.
type RunnerChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultRunnerChecker is the default implementation of RunnerChecker.
type DefaultRunnerChecker struct{}

// Check verifies gRPC connectivity to the runner using the standard gRPC
// health check protocol.
func (c *DefaultRunnerChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "Failed to connect to runner for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)
	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "", // Empty string checks overall server health
	})
	if err != nil {
		logging.Error(ctx, "Runner health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "Runner is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	snapshots     *store.SnapshotStore
	runnerAddr    string
	runnerEnabled bool
	runnerChecker RunnerChecker
}

// NewHandler creates a new health check handler.
func NewHandler(snapshots *store.SnapshotStore, runnerAddr string, runnerEnabled bool) *Handler {
	return &Handler{
		snapshots:     snapshots,
		runnerAddr:    runnerAddr,
		runnerEnabled: runnerEnabled && runnerAddr != "",
		runnerChecker: &DefaultRunnerChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live.
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.runnerEnabled {
		runnerStatus := h.runnerChecker.Check(ctx, h.runnerAddr)
		checks["runner"] = runnerStatus
		if runnerStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies Redis connectivity using PING.
func (h *Handler) checkRedis(ctx context.Context) string {
	// Single-instance mode without Redis is healthy by definition.
	if h.snapshots == nil {
		return "healthy"
	}
	if err := h.snapshots.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
