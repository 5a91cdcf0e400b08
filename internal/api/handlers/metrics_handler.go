package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"example.com/storefront/services/notify/internal/metrics"
	"example.com/storefront/services/notify/internal/tracing"
)

// Optional components degrade gracefully when unavailable, so their
// health only marks the service degraded, never unavailable. The
// database is the sole required dependency.
var optionalComponents = map[string]bool{
	"redis":  true,
	"search": true,
}

// MetricsHandler handles metrics and health HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(metrics *metrics.Metrics, tracer tracing.Tracer) *MetricsHandler {
	return &MetricsHandler{
		metrics: metrics,
		tracer:  tracer,
	}
}

// HandleGetMetrics returns all engine counters, gauges and timers
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	// Add some real-time system metrics
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck reports component health. An unhealthy required
// component returns 503; unhealthy optional components only downgrade
// the status to "degraded".
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	healthChecks := h.metrics.GetHealthChecks()

	status := "ok"
	httpStatus := http.StatusOK
	for component, healthy := range healthChecks {
		if healthy {
			continue
		}
		if optionalComponents[component] {
			status = "degraded"
			continue
		}
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
		break
	}

	c.JSON(httpStatus, gin.H{
		"status":         status,
		"components":     healthChecks,
		"uptime_seconds": h.metrics.GetUptimeSeconds(),
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
