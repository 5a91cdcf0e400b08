package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/notify/internal/cache"
	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/rules"
)

// RuleService handles operator CRUD on notification rules. Every write
// invalidates the cached rule set so the matcher picks changes up within
// one request rather than one TTL.
type RuleService struct {
	ruleRepo repositories.RuleRepository
	cache    *cache.RedisCache
}

// NewRuleService creates a new rule service
func NewRuleService(ruleRepo repositories.RuleRepository, redisCache *cache.RedisCache) *RuleService {
	return &RuleService{
		ruleRepo: ruleRepo,
		cache:    redisCache,
	}
}

// CreateRule validates and stores a new rule
func (s *RuleService) CreateRule(ctx context.Context, rule *models.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return err
	}

	s.invalidate(ctx, rule.TenantID, rule.TriggerEventType)
	log.Info().
		Str("rule_id", rule.ID.String()).
		Str("tenant_id", rule.TenantID.String()).
		Str("trigger", rule.TriggerEventType).
		Msg("Rule created")
	return nil
}

// UpdateRule validates and saves changes to an existing rule
func (s *RuleService) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	existing, err := s.ruleRepo.GetByID(ctx, rule.ID)
	if err != nil {
		return err
	}

	if err := s.ruleRepo.Update(ctx, rule); err != nil {
		return err
	}

	s.invalidate(ctx, existing.TenantID, existing.TriggerEventType)
	if rule.TriggerEventType != existing.TriggerEventType {
		s.invalidate(ctx, existing.TenantID, rule.TriggerEventType)
	}
	return nil
}

// GetRule returns a rule by ID
func (s *RuleService) GetRule(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	return s.ruleRepo.GetByID(ctx, id)
}

// ListRules returns all rules for a tenant
func (s *RuleService) ListRules(ctx context.Context, tenantID uuid.UUID) ([]models.Rule, error) {
	return s.ruleRepo.ListByTenant(ctx, tenantID)
}

// DisableRule turns a rule off without deleting it
func (s *RuleService) DisableRule(ctx context.Context, id uuid.UUID) error {
	existing, err := s.ruleRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.ruleRepo.Disable(ctx, id); err != nil {
		return err
	}

	s.invalidate(ctx, existing.TenantID, existing.TriggerEventType)
	log.Info().Str("rule_id", id.String()).Msg("Rule disabled")
	return nil
}

// validateRule rejects rules whose stored JSON would later fail decoding
// inside the matcher.
func validateRule(rule *models.Rule) error {
	if rule.TenantID == uuid.Nil {
		return errors.New("rule tenant_id is required")
	}
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if rule.TriggerEventType == "" {
		return errors.New("rule trigger_event_type is required")
	}

	if _, err := rules.DecodeFilters(rule.Filters); err != nil {
		return err
	}

	actions, err := rules.DecodeActions(rule.Actions)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return errors.New("rule must define at least one action")
	}
	for _, action := range actions {
		if action.Channel == "" || action.RecipientPath == "" || action.TemplateKey == "" {
			return errors.New("rule action requires channel, recipient_path and template_key")
		}
		if action.DelaySeconds < 0 {
			return errors.New("rule action delay_seconds must not be negative")
		}
	}

	switch rule.DedupeScope {
	case "", models.DedupeScopeNone, models.DedupeScopeOrder, models.DedupeScopeCustomer, models.DedupeScopeCart:
	default:
		return errors.Errorf("unknown dedupe scope: %q", rule.DedupeScope)
	}

	return nil
}

func (s *RuleService) invalidate(ctx context.Context, tenantID uuid.UUID, eventType string) {
	if !s.cache.Enabled() {
		return
	}
	key := cache.GetRuleSetCacheKey(tenantID, eventType)
	if err := s.cache.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to invalidate rule cache")
	}
}
