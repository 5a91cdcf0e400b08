package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/search"
	"example.com/storefront/services/notify/internal/tracing"
)

// LifecycleService exposes operator actions on notifications: cancel,
// reschedule, reprocess and the attempt audit trail.
type LifecycleService struct {
	notificationRepo repositories.NotificationRepository
	attemptRepo      repositories.AttemptRepository
	elasticClient    *search.ElasticClient
	tracer           tracing.Tracer
}

// NewLifecycleService creates a new lifecycle service
func NewLifecycleService(
	notificationRepo repositories.NotificationRepository,
	attemptRepo repositories.AttemptRepository,
	elasticClient *search.ElasticClient,
	tracer tracing.Tracer,
) *LifecycleService {
	return &LifecycleService{
		notificationRepo: notificationRepo,
		attemptRepo:      attemptRepo,
		elasticClient:    elasticClient,
		tracer:           tracer,
	}
}

// GetNotification returns a notification by ID
func (s *LifecycleService) GetNotification(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	return s.notificationRepo.GetByID(ctx, id)
}

// ListNotifications returns notifications matching the operator's filter
func (s *LifecycleService) ListNotifications(ctx context.Context, filter repositories.NotificationFilter) ([]models.Notification, error) {
	return s.notificationRepo.List(ctx, filter)
}

// Cancel stops a notification that has not reached a terminal state.
// A send already in flight may still complete; its late attempt write is
// dropped by the worker's conditional update.
func (s *LifecycleService) Cancel(ctx context.Context, id uuid.UUID) error {
	txn := s.tracer.StartTransaction("cancel-notification")
	defer s.tracer.EndTransaction(txn)

	if err := s.notificationRepo.Cancel(ctx, id); err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	log.Info().Str("notification_id", id.String()).Msg("Notification cancelled")
	return nil
}

// Reschedule moves a scheduled notification's due time without touching
// its attempt counters.
func (s *LifecycleService) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	txn := s.tracer.StartTransaction("reschedule-notification")
	defer s.tracer.EndTransaction(txn)

	if err := s.notificationRepo.Reschedule(ctx, id, at); err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	log.Info().
		Str("notification_id", id.String()).
		Time("scheduled_for", at).
		Msg("Notification rescheduled")
	return nil
}

// Reprocess gives a failed notification another try window. Attempt
// history always stays intact; resetAttempts additionally restores the
// full retry budget.
func (s *LifecycleService) Reprocess(ctx context.Context, id uuid.UUID, resetAttempts bool) error {
	txn := s.tracer.StartTransaction("reprocess-notification")
	defer s.tracer.EndTransaction(txn)

	if err := s.notificationRepo.Reprocess(ctx, id, resetAttempts); err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	log.Info().
		Str("notification_id", id.String()).
		Bool("reset_attempts", resetAttempts).
		Msg("Notification queued for reprocessing")
	return nil
}

// SearchOutcomes queries the indexed terminal outcomes by arbitrary
// term filters. The index only holds sent and failed notifications, so
// this serves historical audit questions the relational listing is too
// slow for.
func (s *LifecycleService) SearchOutcomes(ctx context.Context, terms map[string]string, size int) ([]map[string]interface{}, error) {
	if s.elasticClient == nil {
		return nil, errors.New("search is not configured")
	}

	if size <= 0 || size > 100 {
		size = 50
	}

	must := make([]map[string]interface{}, 0, len(terms))
	for field, value := range terms {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{field: value},
		})
	}

	query := map[string]interface{}{
		"size": size,
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
	}

	return s.elasticClient.SearchNotifications(ctx, query)
}

// ListAttempts returns the delivery audit trail for a notification,
// ordered by attempt number.
func (s *LifecycleService) ListAttempts(ctx context.Context, notificationID uuid.UUID) ([]models.Attempt, error) {
	// Confirm the notification exists so callers get a clean not-found
	if _, err := s.notificationRepo.GetByID(ctx, notificationID); err != nil {
		return nil, err
	}
	return s.attemptRepo.ListByNotification(ctx, notificationID)
}
