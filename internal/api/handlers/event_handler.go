package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/services"
	"example.com/storefront/services/notify/internal/tracing"
)

// EventHandler handles event intake HTTP requests
type EventHandler struct {
	eventService *services.EventService
	tracer       tracing.Tracer
}

// NewEventHandler creates a new event handler
func NewEventHandler(eventService *services.EventService, tracer tracing.Tracer) *EventHandler {
	return &EventHandler{
		eventService: eventService,
		tracer:       tracer,
	}
}

// EventRequest represents an incoming business event
type EventRequest struct {
	TenantID       uuid.UUID              `json:"tenant_id" binding:"required"`
	EventType      string                 `json:"event_type" binding:"required"`
	IdempotencyKey string                 `json:"idempotency_key" binding:"required"`
	Payload        map[string]interface{} `json:"payload"`
	OccurredAt     *time.Time             `json:"occurred_at"`
}

// EventResponse represents the intake result
type EventResponse struct {
	EventID      uuid.UUID          `json:"event_id"`
	Status       models.EventStatus `json:"status"`
	Deduplicated bool               `json:"deduplicated"`
}

// HandleIngestEvent appends an event idempotently and triggers rule
// evaluation. A duplicate idempotency key returns the existing event
// with 200 instead of 201.
func (h *EventHandler) HandleIngestEvent(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-ingest-event")
	defer h.tracer.EndTransaction(txn)

	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid event request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	h.tracer.AddAttribute(txn, "tenant_id", req.TenantID.String())
	h.tracer.AddAttribute(txn, "event_type", req.EventType)

	payload := datatypes.JSON("{}")
	if req.Payload != nil {
		raw, err := jsonMarshal(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload is not valid JSON"})
			h.tracer.RecordError(txn, err)
			return
		}
		payload = raw
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	event := &models.Event{
		TenantID:       req.TenantID,
		EventType:      req.EventType,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        payload,
		OccurredAt:     occurredAt,
	}

	stored, isNew, err := h.eventService.IngestEvent(c.Request.Context(), event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to ingest event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	status := http.StatusCreated
	if !isNew {
		status = http.StatusOK
	}

	c.JSON(status, EventResponse{
		EventID:      stored.ID,
		Status:       stored.Status,
		Deduplicated: !isNew,
	})
}

// RegisterRoutes registers the handler's routes
func (h *EventHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/events", h.HandleIngestEvent)
}
