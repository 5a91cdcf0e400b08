package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/notify/config"
	"example.com/storefront/services/notify/internal/cache"
	"example.com/storefront/services/notify/internal/metrics"
	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/rules"
	"example.com/storefront/services/notify/internal/tracing"
)

// EventService handles event intake, rule matching and action scheduling
type EventService struct {
	eventRepo        repositories.EventRepository
	ruleRepo         repositories.RuleRepository
	notificationRepo repositories.NotificationRepository
	cache            *cache.RedisCache
	metrics          *metrics.Metrics
	tracer           tracing.Tracer
	engineCfg        config.EngineConfig
}

// NewEventService creates a new event service
func NewEventService(
	eventRepo repositories.EventRepository,
	ruleRepo repositories.RuleRepository,
	notificationRepo repositories.NotificationRepository,
	redisCache *cache.RedisCache,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	engineCfg config.EngineConfig,
) *EventService {
	return &EventService{
		eventRepo:        eventRepo,
		ruleRepo:         ruleRepo,
		notificationRepo: notificationRepo,
		cache:            redisCache,
		metrics:          metricsCollector,
		tracer:           tracer,
		engineCfg:        engineCfg,
	}
}

// IngestEvent appends an event idempotently and, when the event is new,
// runs rule evaluation immediately. Re-submitting the same logical event
// returns the existing row with isNew=false and triggers nothing.
func (s *EventService) IngestEvent(ctx context.Context, event *models.Event) (*models.Event, bool, error) {
	txn := s.tracer.StartTransaction("ingest-event")
	defer s.tracer.EndTransaction(txn)

	span := s.tracer.StartSpan("append-event", txn)
	isNew, err := s.eventRepo.Append(ctx, event)
	span.End()

	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, false, errors.Wrap(err, "failed to append event")
	}

	if !isNew {
		s.metrics.IncrementCounter(metrics.CounterEventsDeduplicated)
		log.Info().
			Str("event_id", event.ID.String()).
			Str("idempotency_key", event.IdempotencyKey).
			Msg("Duplicate event submission, returning existing row")
		return event, false, nil
	}

	s.metrics.IncrementCounter(metrics.CounterEventsIngested)
	log.Info().
		Str("event_id", event.ID.String()).
		Str("tenant_id", event.TenantID.String()).
		Str("event_type", event.EventType).
		Msg("Event appended")

	// Evaluate rules right away; the reconciliation job catches anything
	// that fails here and leaves the event pending.
	processSpan := s.tracer.StartSpan("process-event", txn)
	err = s.ProcessEvent(ctx, event)
	processSpan.End()

	if err != nil {
		log.Warn().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("Failed to process event immediately, reconciliation will retry")
		s.tracer.RecordError(txn, err)
	}

	return event, true, nil
}

// ProcessEvent evaluates all enabled rules against a pending event and
// schedules notifications for every match. One malformed rule never
// blocks the others; the event ends processed unless its payload itself
// is unusable.
func (s *EventService) ProcessEvent(ctx context.Context, event *models.Event) error {
	payload, err := decodePayload(event.Payload)
	if err != nil {
		s.metrics.IncrementCounter(metrics.CounterEventsErrored)
		reason := fmt.Sprintf("unusable payload: %v", err)
		if markErr := s.eventRepo.MarkError(ctx, event.ID, reason); markErr != nil {
			return markErr
		}
		log.Error().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("Event payload could not be decoded")
		return nil
	}

	matchedRules, err := s.loadRules(ctx, event)
	if err != nil {
		return errors.Wrap(err, "failed to load rules for event")
	}

	for _, rule := range matchedRules {
		filters, err := rules.DecodeFilters(rule.Filters)
		if err != nil {
			s.metrics.IncrementCounter(metrics.CounterRuleMatchErrors)
			log.Error().
				Err(err).
				Str("rule_id", rule.ID.String()).
				Str("event_id", event.ID.String()).
				Msg("Skipping rule with malformed filters")
			continue
		}

		matched, err := rules.Evaluate(filters, payload)
		if err != nil {
			s.metrics.IncrementCounter(metrics.CounterRuleMatchErrors)
			log.Error().
				Err(err).
				Str("rule_id", rule.ID.String()).
				Str("event_id", event.ID.String()).
				Msg("Skipping rule that failed evaluation")
			continue
		}
		if !matched {
			continue
		}

		s.metrics.IncrementCounter(metrics.CounterRulesMatched)
		s.scheduleActions(ctx, event, payload, rule)
	}

	// Scheduling and the processed flag are separate writes, so a crash
	// in between leaves the event pending and ReconcilePendingEvents
	// runs the rules again. Rules with a dedupe scope are safe because
	// the partial unique index suppresses the second insert; rules
	// without one can schedule a duplicate notification in that window.
	// Delivery is at-least-once, and downstream consumers must tolerate
	// the occasional duplicate.
	if err := s.eventRepo.MarkProcessed(ctx, event.ID); err != nil {
		return errors.Wrap(err, "failed to mark event as processed")
	}

	return nil
}

// ReconcilePendingEvents processes events still pending after an earlier
// failure, as a fallback mechanism.
func (s *EventService) ReconcilePendingEvents(ctx context.Context) error {
	txn := s.tracer.StartTransaction("reconcile-pending-events")
	defer s.tracer.EndTransaction(txn)

	events, err := s.eventRepo.ListPending(ctx, 100)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to list pending events")
	}

	if len(events) == 0 {
		return nil
	}

	log.Info().Msgf("Found %d pending events for reconciliation", len(events))

	for i := range events {
		event := events[i]
		if err := s.ProcessEvent(ctx, &event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Msg("Failed to process event during reconciliation")
			s.tracer.RecordError(txn, err)
			// Continue to next event
		}
	}

	return nil
}

// scheduleActions turns a matched rule's actions into scheduled
// notifications. Actions are independent: an unresolvable recipient or a
// dedupe suppression on one action never blocks its siblings.
func (s *EventService) scheduleActions(ctx context.Context, event *models.Event, payload map[string]interface{}, rule models.Rule) {
	actions, err := rules.DecodeActions(rule.Actions)
	if err != nil {
		s.metrics.IncrementCounter(metrics.CounterRuleMatchErrors)
		log.Error().
			Err(err).
			Str("rule_id", rule.ID.String()).
			Msg("Skipping rule with malformed actions")
		return
	}

	dedupeKey := dedupeKeyFor(rule.DedupeScope, payload)

	for _, action := range actions {
		recipient, ok := resolveRecipient(payload, action.RecipientPath)
		if !ok {
			s.metrics.IncrementCounter(metrics.CounterRecipientsSkipped)
			log.Warn().
				Str("rule_id", rule.ID.String()).
				Str("event_id", event.ID.String()).
				Str("recipient_path", action.RecipientPath).
				Msg("Recipient path did not resolve, skipping action")
			continue
		}

		notification := &models.Notification{
			TenantID:     event.TenantID,
			RuleID:       rule.ID,
			EventID:      event.ID,
			Channel:      action.Channel,
			Recipient:    recipient,
			TemplateKey:  action.TemplateKey,
			DedupeKey:    dedupeKey,
			Status:       models.NotificationStatusScheduled,
			ScheduledFor: time.Now().UTC().Add(time.Duration(action.DelaySeconds) * time.Second),
			MaxAttempts:  s.engineCfg.DefaultMaxAttempts,
		}

		created, err := s.notificationRepo.Create(ctx, notification)
		if err != nil {
			log.Error().
				Err(err).
				Str("rule_id", rule.ID.String()).
				Str("event_id", event.ID.String()).
				Msg("Failed to schedule notification")
			continue
		}

		if !created {
			s.metrics.IncrementCounter(metrics.CounterDedupeSuppressed)
			log.Info().
				Str("rule_id", rule.ID.String()).
				Str("event_id", event.ID.String()).
				Str("dedupe_key", derefString(dedupeKey)).
				Msg("Notification suppressed, another is already pending for this dedupe key")
			continue
		}

		s.metrics.IncrementCounter(metrics.CounterNotificationsQueued)
		log.Info().
			Str("notification_id", notification.ID.String()).
			Str("rule_id", rule.ID.String()).
			Str("channel", action.Channel).
			Time("scheduled_for", notification.ScheduledFor).
			Msg("Notification scheduled")
	}
}

// loadRules fetches enabled rules through the read-through cache. The
// cached slice keeps the repository's ordering; sortRules re-establishes
// it defensively either way.
func (s *EventService) loadRules(ctx context.Context, event *models.Event) ([]models.Rule, error) {
	cacheKey := cache.GetRuleSetCacheKey(event.TenantID, event.EventType)

	if s.cache.Enabled() {
		var cached []models.Rule
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			sortRules(cached)
			return cached, nil
		}
	}

	loaded, err := s.ruleRepo.ListEnabled(ctx, event.TenantID, event.EventType)
	if err != nil {
		return nil, err
	}
	sortRules(loaded)

	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, cacheKey, loaded, s.engineCfg.RuleCacheTTL); err != nil {
			log.Warn().Err(err).Str("key", cacheKey).Msg("Failed to cache rule set")
		}
	}

	return loaded, nil
}

// sortRules orders rules by priority descending, creation time ascending
func sortRules(ruleSet []models.Rule) {
	sort.SliceStable(ruleSet, func(i, j int) bool {
		if ruleSet[i].Priority != ruleSet[j].Priority {
			return ruleSet[i].Priority > ruleSet[j].Priority
		}
		return ruleSet[i].CreatedAt.Before(ruleSet[j].CreatedAt)
	})
}

// decodePayload unpacks the stored payload JSON into a lookup tree
func decodePayload(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode event payload")
	}
	return payload, nil
}

// resolveRecipient reads the recipient from the payload, coercing scalar
// values to their string form
func resolveRecipient(payload map[string]interface{}, path string) (string, bool) {
	value, found := rules.Lookup(payload, path)
	if !found || value == nil {
		return "", false
	}
	str := stringify(value)
	if str == "" {
		return "", false
	}
	return str, true
}

// dedupeKeyPaths maps each scope to the payload fields that identify it,
// checked in order (flat key first, nested form as fallback).
var dedupeKeyPaths = map[models.DedupeScope][]string{
	models.DedupeScopeOrder:    {"order_id", "order.id"},
	models.DedupeScopeCustomer: {"customer_id", "customer.id"},
	models.DedupeScopeCart:     {"cart_id", "cart.id", "session_id"},
}

// dedupeKeyFor derives the dedupe key for a rule's scope from the payload.
// A scope whose identifying field is absent yields no key, which disables
// suppression for that match.
func dedupeKeyFor(scope models.DedupeScope, payload map[string]interface{}) *string {
	paths, ok := dedupeKeyPaths[scope]
	if !ok {
		return nil
	}

	for _, path := range paths {
		value, found := rules.Lookup(payload, path)
		if !found || value == nil {
			continue
		}
		if str := stringify(value); str != "" {
			key := fmt.Sprintf("%s:%s", scope, str)
			return &key
		}
	}

	log.Debug().Str("scope", string(scope)).Msg("Dedupe scope field missing from payload")
	return nil
}

// stringify renders scalar payload values; integral floats lose the
// trailing ".0" JSON decoding gives them.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case bool, int, int32, int64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
