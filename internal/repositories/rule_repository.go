package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/storefront/services/notify/internal/models"
)

// RuleRepository defines the interface for notification rule storage.
// Rules are authored by tenant operators; the engine only reads them.
type RuleRepository interface {
	Create(ctx context.Context, rule *models.Rule) error
	Update(ctx context.Context, rule *models.Rule) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Rule, error)

	// ListEnabled returns enabled rules for the tenant and trigger event
	// type, ordered by priority descending with creation order breaking
	// ties deterministically.
	ListEnabled(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.Rule, error)

	// Disable turns a rule off without deleting it
	Disable(ctx context.Context, id uuid.UUID) error
}

// ruleRepository implements RuleRepository
type ruleRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *gorm.DB, readOnlyDB *gorm.DB) RuleRepository {
	return &ruleRepository{db: db, readOnlyDB: readOnlyDB}
}

// Create creates a new rule
func (r *ruleRepository) Create(ctx context.Context, rule *models.Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(rule).Error
	return errors.Wrap(err, "failed to create rule")
}

// Update saves changes to an existing rule
func (r *ruleRepository) Update(ctx context.Context, rule *models.Rule) error {
	result := r.db.WithContext(ctx).
		Model(&models.Rule{}).
		Where("id = ?", rule.ID).
		Updates(map[string]interface{}{
			"name":               rule.Name,
			"trigger_event_type": rule.TriggerEventType,
			"filters":            rule.Filters,
			"actions":            rule.Actions,
			"dedupe_scope":       rule.DedupeScope,
			"priority":           rule.Priority,
			"is_enabled":         rule.IsEnabled,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update rule")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID gets a rule by ID
func (r *ruleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	var rule models.Rule
	err := r.readOnlyDB.WithContext(ctx).First(&rule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get rule by ID")
	}
	return &rule, nil
}

// ListByTenant lists all rules for a tenant
func (r *ruleRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Rule, error) {
	var rules []models.Rule
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("priority DESC, created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules by tenant")
	}
	return rules, nil
}

// ListEnabled returns enabled rules matching the trigger, in evaluation order
func (r *ruleRepository) ListEnabled(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.Rule, error) {
	var rules []models.Rule
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND trigger_event_type = ? AND is_enabled = ?", tenantID, eventType, true).
		Order("priority DESC, created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list enabled rules")
	}
	return rules, nil
}

// Disable turns a rule off
func (r *ruleRepository) Disable(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Rule{}).
		Where("id = ?", id).
		Update("is_enabled", false)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to disable rule")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
