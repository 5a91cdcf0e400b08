package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/services"
	"example.com/storefront/services/notify/internal/tracing"
)

// NotificationHandler handles notification lifecycle and audit requests
type NotificationHandler struct {
	lifecycleService *services.LifecycleService
	tracer           tracing.Tracer
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(lifecycleService *services.LifecycleService, tracer tracing.Tracer) *NotificationHandler {
	return &NotificationHandler{
		lifecycleService: lifecycleService,
		tracer:           tracer,
	}
}

// RescheduleRequest carries the new due time for a reschedule
type RescheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for" binding:"required"`
}

// ReprocessRequest carries the operator's choice on the attempt budget
type ReprocessRequest struct {
	ResetAttempts bool `json:"reset_attempts"`
}

// HandleListNotifications lists notifications with operator filters
func (h *NotificationHandler) HandleListNotifications(c *gin.Context) {
	var filter repositories.NotificationFilter

	if raw := c.Query("tenant_id"); raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant_id"})
			return
		}
		filter.TenantID = &tenantID
	}
	if raw := c.Query("status"); raw != "" {
		status := models.NotificationStatus(raw)
		filter.Status = &status
	}
	if raw := c.Query("channel"); raw != "" {
		filter.Channel = &raw
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp, want RFC3339"})
			return
		}
		filter.From = &from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp, want RFC3339"})
			return
		}
		filter.To = &to
	}

	notifications, err := h.lifecycleService.ListNotifications(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

// HandleGetNotification returns one notification
func (h *NotificationHandler) HandleGetNotification(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	notification, err := h.lifecycleService.GetNotification(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, notification)
}

// HandleCancel cancels a non-terminal notification
func (h *NotificationHandler) HandleCancel(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.lifecycleService.Cancel(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.NotificationStatusCancelled})
}

// HandleReschedule moves a scheduled notification's due time
func (h *NotificationHandler) HandleReschedule(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.lifecycleService.Reschedule(c.Request.Context(), id, req.ScheduledFor); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"scheduled_for": req.ScheduledFor})
}

// HandleReprocess queues a failed notification for another try
func (h *NotificationHandler) HandleReprocess(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	// An empty body means the default: keep the attempt budget
	var req ReprocessRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.lifecycleService.Reprocess(c.Request.Context(), id, req.ResetAttempts); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.NotificationStatusScheduled})
}

// HandleSearchOutcomes queries indexed terminal outcomes
func (h *NotificationHandler) HandleSearchOutcomes(c *gin.Context) {
	terms := map[string]string{}
	for _, field := range []string{"tenant_id", "rule_id", "event_id", "channel", "status", "recipient"} {
		if value := c.Query(field); value != "" {
			terms[field] = value
		}
	}

	size := 0
	if raw := c.Query("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
			return
		}
		size = parsed
	}

	results, err := h.lifecycleService.SearchOutcomes(c.Request.Context(), terms, size)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// HandleListAttempts returns the delivery audit trail
func (h *NotificationHandler) HandleListAttempts(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	attempts, err := h.lifecycleService.ListAttempts(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (h *NotificationHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *NotificationHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
	case errors.Is(err, repositories.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Notification lifecycle request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// RegisterRoutes registers the handler's routes
func (h *NotificationHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/notifications", h.HandleListNotifications)
	router.GET("/notifications/search", h.HandleSearchOutcomes)
	router.GET("/notifications/:id", h.HandleGetNotification)
	router.POST("/notifications/:id/cancel", h.HandleCancel)
	router.POST("/notifications/:id/reschedule", h.HandleReschedule)
	router.POST("/notifications/:id/reprocess", h.HandleReprocess)
	router.GET("/notifications/:id/attempts", h.HandleListAttempts)
}
