package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/rules"
	"example.com/storefront/services/notify/internal/services"
)

// jsonMarshal wraps the JSON encoder so handlers share one conversion
// into the stored payload type.
func jsonMarshal(v interface{}) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// RuleHandler handles rule CRUD HTTP requests for tenant operators
type RuleHandler struct {
	ruleService *services.RuleService
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(ruleService *services.RuleService) *RuleHandler {
	return &RuleHandler{ruleService: ruleService}
}

// RuleRequest represents a rule create/update payload
type RuleRequest struct {
	TenantID         uuid.UUID          `json:"tenant_id" binding:"required"`
	Name             string             `json:"name" binding:"required"`
	TriggerEventType string             `json:"trigger_event_type" binding:"required"`
	Filters          []rules.Filter     `json:"filters"`
	Actions          []rules.Action     `json:"actions" binding:"required"`
	DedupeScope      models.DedupeScope `json:"dedupe_scope"`
	Priority         int                `json:"priority"`
	IsEnabled        *bool              `json:"is_enabled"`
}

func (req *RuleRequest) toModel() (*models.Rule, error) {
	filters, err := jsonMarshal(req.Filters)
	if err != nil {
		return nil, err
	}
	actions, err := jsonMarshal(req.Actions)
	if err != nil {
		return nil, err
	}

	scope := req.DedupeScope
	if scope == "" {
		scope = models.DedupeScopeNone
	}

	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}

	return &models.Rule{
		TenantID:         req.TenantID,
		Name:             req.Name,
		TriggerEventType: req.TriggerEventType,
		Filters:          filters,
		Actions:          actions,
		DedupeScope:      scope,
		Priority:         req.Priority,
		IsEnabled:        enabled,
	}, nil
}

// HandleCreateRule creates a new rule
func (h *RuleHandler) HandleCreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := req.toModel()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ruleService.CreateRule(c.Request.Context(), rule); err != nil {
		log.Error().Err(err).Msg("Failed to create rule")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// HandleGetRule returns one rule
func (h *RuleHandler) HandleGetRule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	rule, err := h.ruleService.GetRule(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// HandleListRules lists a tenant's rules
func (h *RuleHandler) HandleListRules(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return
	}

	ruleSet, err := h.ruleService.ListRules(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": ruleSet})
}

// HandleUpdateRule updates an existing rule
func (h *RuleHandler) HandleUpdateRule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := req.toModel()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = id

	if err := h.ruleService.UpdateRule(c.Request.Context(), rule); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to update rule")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// HandleDisableRule disables a rule without deleting it
func (h *RuleHandler) HandleDisableRule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	if err := h.ruleService.DisableRule(c.Request.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"disabled": true})
}

// RegisterRoutes registers the handler's routes
func (h *RuleHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/rules", h.HandleCreateRule)
	router.GET("/rules", h.HandleListRules)
	router.GET("/rules/:id", h.HandleGetRule)
	router.PUT("/rules/:id", h.HandleUpdateRule)
	router.DELETE("/rules/:id", h.HandleDisableRule)
}
