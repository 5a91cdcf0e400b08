package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"example.com/storefront/services/notify/config"
	"example.com/storefront/services/notify/internal/metrics"
	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/search"
	"example.com/storefront/services/notify/internal/sender"
	"example.com/storefront/services/notify/internal/tracing"
)

// DeliveryService claims due notifications and dispatches them through
// the channel sender registry, recording every attempt.
type DeliveryService struct {
	notificationRepo repositories.NotificationRepository
	eventRepo        repositories.EventRepository
	senders          *sender.Registry
	elasticClient    *search.ElasticClient
	metrics          *metrics.Metrics
	tracer           tracing.Tracer
	engineCfg        config.EngineConfig
}

// NewDeliveryService creates a new delivery service
func NewDeliveryService(
	notificationRepo repositories.NotificationRepository,
	eventRepo repositories.EventRepository,
	senders *sender.Registry,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	engineCfg config.EngineConfig,
) *DeliveryService {
	return &DeliveryService{
		notificationRepo: notificationRepo,
		eventRepo:        eventRepo,
		senders:          senders,
		elasticClient:    elasticClient,
		metrics:          metricsCollector,
		tracer:           tracer,
		engineCfg:        engineCfg,
	}
}

// DispatchDue claims one batch of due notifications and dispatches them
// concurrently up to the configured fan-out. Each dispatch is isolated:
// one failing send never aborts the rest of the batch.
func (s *DeliveryService) DispatchDue(ctx context.Context) error {
	txn := s.tracer.StartTransaction("dispatch-due")
	defer s.tracer.EndTransaction(txn)

	claimSpan := s.tracer.StartSpan("claim-due", txn)
	claimed, err := s.notificationRepo.ClaimDue(ctx, s.engineCfg.ClaimBatchSize, time.Now().UTC())
	claimSpan.End()

	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to claim due notifications")
	}

	if len(claimed) == 0 {
		return nil
	}

	log.Info().Int("count", len(claimed)).Msg("Claimed due notifications")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.engineCfg.DispatchFanout)

	for i := range claimed {
		notification := claimed[i]
		g.Go(func() error {
			s.dispatchOne(gctx, &notification)
			return nil
		})
	}

	return g.Wait()
}

// dispatchOne sends a single claimed notification and records the outcome
func (s *DeliveryService) dispatchOne(ctx context.Context, notification *models.Notification) {
	started := time.Now().UTC()

	providerMessageID, sendErr := s.send(ctx, notification)

	s.metrics.RecordTimer(metrics.TimerDispatch, time.Since(started).Milliseconds())

	if sendErr == nil {
		s.recordSuccess(ctx, notification, started, providerMessageID)
		return
	}

	s.recordFailure(ctx, notification, started, sendErr)
}

// send resolves the event payload and invokes the channel sender under a
// hard per-attempt timeout.
func (s *DeliveryService) send(ctx context.Context, notification *models.Notification) (string, error) {
	event, err := s.eventRepo.GetByID(ctx, notification.EventID)
	if err != nil {
		return "", errors.Wrap(err, "failed to load originating event")
	}

	payload, err := decodePayload(event.Payload)
	if err != nil {
		return "", err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.engineCfg.SendTimeout)
	defer cancel()

	channelSender := s.senders.Resolve(notification.Channel)
	return channelSender.Send(sendCtx, notification, payload)
}

func (s *DeliveryService) recordSuccess(ctx context.Context, notification *models.Notification, started time.Time, providerMessageID string) {
	// Provider message IDs are opaque external values; encode rather
	// than splice so the jsonb column never sees broken JSON.
	metadata, err := json.Marshal(map[string]string{"provider_message_id": providerMessageID})
	if err != nil {
		metadata = []byte(`{}`)
	}

	attempt := &models.Attempt{
		StartedAt:        started,
		Result:           models.AttemptResultSuccess,
		ResponseMetadata: datatypes.JSON(metadata),
	}

	err = s.notificationRepo.MarkSent(ctx, notification.ID, attempt)
	if err != nil {
		if errors.Is(err, repositories.ErrStaleClaim) {
			// An operator cancelled while the send was in flight; the
			// stored status wins and the attempt write is dropped.
			s.metrics.IncrementCounter(metrics.CounterDeliveriesDropped)
			log.Warn().
				Str("notification_id", notification.ID.String()).
				Msg("Notification left sending state mid-flight, dropping attempt record")
			return
		}
		log.Error().
			Err(err).
			Str("notification_id", notification.ID.String()).
			Msg("Failed to record successful delivery")
		return
	}

	s.metrics.IncrementCounter(metrics.CounterDeliveriesSent)
	s.metrics.RecordSuccess("delivery")
	log.Info().
		Str("notification_id", notification.ID.String()).
		Str("channel", notification.Channel).
		Str("provider_message_id", providerMessageID).
		Msg("Notification sent")

	notification.Status = models.NotificationStatusSent
	notification.AttemptsCount++
	s.indexOutcome(ctx, notification)
}

func (s *DeliveryService) recordFailure(ctx context.Context, notification *models.Notification, started time.Time, sendErr error) {
	errMsg := sendErr.Error()
	attempt := &models.Attempt{
		StartedAt:    started,
		Result:       models.AttemptResultFailure,
		ErrorMessage: &errMsg,
	}

	// All failures share one retry path: the only circuit breaker is
	// max_attempts, with exponentially increasing delays in between.
	var nextRetry *time.Time
	terminal := notification.AttemptsCount+1 >= notification.MaxAttempts
	if !terminal {
		at := time.Now().UTC().Add(s.backoffDelay(notification.AttemptsCount))
		nextRetry = &at
	}

	err := s.notificationRepo.MarkFailure(ctx, notification.ID, attempt, nextRetry)
	if err != nil {
		if errors.Is(err, repositories.ErrStaleClaim) {
			s.metrics.IncrementCounter(metrics.CounterDeliveriesDropped)
			log.Warn().
				Str("notification_id", notification.ID.String()).
				Msg("Notification left sending state mid-flight, dropping attempt record")
			return
		}
		log.Error().
			Err(err).
			Str("notification_id", notification.ID.String()).
			Msg("Failed to record delivery failure")
		return
	}

	s.metrics.RecordError("delivery")
	notification.AttemptsCount++
	notification.LastError = &errMsg

	if terminal {
		s.metrics.IncrementCounter(metrics.CounterDeliveriesFailed)
		log.Error().
			Err(sendErr).
			Str("notification_id", notification.ID.String()).
			Int("attempts", notification.AttemptsCount).
			Msg("Notification failed terminally, max attempts exhausted")

		notification.Status = models.NotificationStatusFailed
		s.indexOutcome(ctx, notification)
		return
	}

	s.metrics.IncrementCounter(metrics.CounterDeliveriesRetried)
	log.Warn().
		Err(sendErr).
		Str("notification_id", notification.ID.String()).
		Int("attempts", notification.AttemptsCount).
		Time("next_retry", *nextRetry).
		Msg("Notification delivery failed, rescheduled with backoff")
}

// backoffDelay computes base_delay * 2^attempts with an overflow guard
func (s *DeliveryService) backoffDelay(attempts int) time.Duration {
	if attempts > 20 {
		attempts = 20
	}
	return s.engineCfg.BaseBackoffDelay * time.Duration(int64(1)<<uint(attempts))
}

// RequeueStaleClaims returns notifications abandoned mid-send by a
// crashed worker to the queue.
func (s *DeliveryService) RequeueStaleClaims(ctx context.Context) error {
	staleBefore := time.Now().UTC().Add(-s.engineCfg.SendingTTL)

	count, err := s.notificationRepo.RequeueStale(ctx, staleBefore)
	if err != nil {
		return errors.Wrap(err, "failed to requeue stale claims")
	}

	if count > 0 {
		s.metrics.IncrementCounterBy(metrics.CounterStaleRequeued, count)
		log.Warn().Int64("count", count).Msg("Requeued notifications stuck in sending state")
	}

	return nil
}

// indexOutcome pushes a terminal notification into Elasticsearch,
// best-effort only.
func (s *DeliveryService) indexOutcome(ctx context.Context, notification *models.Notification) {
	if s.elasticClient == nil {
		return
	}
	if err := s.elasticClient.IndexNotificationOutcome(ctx, notification); err != nil {
		log.Warn().
			Err(err).
			Str("notification_id", notification.ID.String()).
			Msg("Failed to index notification outcome")
	}
}
