package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"example.com/storefront/services/notify/internal/metrics"
	"example.com/storefront/services/notify/internal/tracing"
)

func newMetricsRouter(collector *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewMetricsHandler(collector, &tracing.NewRelicTracer{})
	handler.RegisterRoutes(router)
	return router
}

func performRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthCheckAllHealthy(t *testing.T) {
	collector := metrics.NewMetrics()
	collector.SetHealth("database", true)
	collector.SetHealth("redis", true)
	collector.SetHealth("search", true)

	recorder := performRequest(newMetricsRouter(collector), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHealthCheckOptionalComponentDownIsDegraded(t *testing.T) {
	collector := metrics.NewMetrics()
	collector.SetHealth("database", true)
	collector.SetHealth("redis", false)
	collector.SetHealth("search", false)

	recorder := performRequest(newMetricsRouter(collector), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["status"])
}

func TestHealthCheckDatabaseDownIsUnavailable(t *testing.T) {
	collector := metrics.NewMetrics()
	collector.SetHealth("database", false)
	collector.SetHealth("redis", true)

	recorder := performRequest(newMetricsRouter(collector), http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "unavailable", body["status"])
}

func TestGetMetricsIncludesHealthAndUptime(t *testing.T) {
	collector := metrics.NewMetrics()
	collector.SetHealth("database", true)
	collector.IncrementCounter(metrics.CounterEventsIngested)

	recorder := performRequest(newMetricsRouter(collector), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Contains(t, body, "uptime_seconds")
	require.Contains(t, body, "health_checks")
	counters, ok := body["counters"].(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 1, counters[metrics.CounterEventsIngested])
}
