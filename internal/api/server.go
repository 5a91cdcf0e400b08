package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/notify/config"
	"example.com/storefront/services/notify/internal/api/handlers"
	"example.com/storefront/services/notify/internal/metrics"
	"example.com/storefront/services/notify/internal/services"
	"example.com/storefront/services/notify/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	eventService *services.EventService,
	ruleService *services.RuleService,
	lifecycleService *services.LifecycleService,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{config: cfg}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RequestLogger(), gin.Recovery())

	eventHandler := handlers.NewEventHandler(eventService, tracer)
	eventHandler.RegisterRoutes(router)

	ruleHandler := handlers.NewRuleHandler(ruleService)
	ruleHandler.RegisterRoutes(router)

	notificationHandler := handlers.NewNotificationHandler(lifecycleService, tracer)
	notificationHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(metricsCollector, tracer)
	metricsHandler.RegisterRoutes(router)

	server.router = router
	server.httpServer = &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return server
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
