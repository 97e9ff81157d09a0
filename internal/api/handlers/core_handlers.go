package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HealthCheckFunc probes one dependency
type HealthCheckFunc func(ctx context.Context) error

// CoreHandlers contains health and metrics handlers
type CoreHandlers struct {
	checks    map[string]HealthCheckFunc
	version   string
	startTime time.Time
	logger    *zap.Logger
}

// NewCoreHandlers creates a new core handlers instance. Each check is probed on /health.
func NewCoreHandlers(checks map[string]HealthCheckFunc, version string, logger *zap.Logger) *CoreHandlers {
	return &CoreHandlers{
		checks:    checks,
		version:   version,
		startTime: time.Now(),
		logger:    logger,
	}
}

// HealthCheck represents a health check result
type HealthCheck struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// Health probes every registered dependency concurrently and reports 503 if
// any of them fails
func (h *CoreHandlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]HealthCheck, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = h.probe(ctx, name, h.checks[name])
			return nil
		})
	}
	_ = g.Wait()

	checks := make(map[string]HealthCheck, len(results))
	overallStatus := "healthy"
	for _, check := range results {
		checks[check.Service] = check
		if check.Status != "healthy" {
			overallStatus = "unhealthy"
			h.logger.Warn("Health check failed",
				zap.String("service", check.Service),
				zap.String("error", check.Error))
		}
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	})
}

// Live checks if the application is alive
func (h *CoreHandlers) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}

func (h *CoreHandlers) probe(ctx context.Context, name string, fn HealthCheckFunc) HealthCheck {
	start := time.Now()
	check := HealthCheck{
		Service:   name,
		Timestamp: start,
	}

	err := fn(ctx)
	check.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		check.Status = "unhealthy"
		check.Error = err.Error()
	} else {
		check.Status = "healthy"
	}
	return check
}

// Metrics exposes Prometheus metrics
func Metrics() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
