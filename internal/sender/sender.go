package sender

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/notify/config"
	"example.com/storefront/services/notify/internal/models"
)

// Sender delivers a notification through a channel. Implementations are
// external collaborators (per-channel delivery services); the engine
// guarantees at-most-one Send per claim cycle for a notification.
type Sender interface {
	Send(ctx context.Context, notification *models.Notification, payload map[string]interface{}) (providerMessageID string, err error)
	Close() error
}

// Registry resolves a Sender by channel name, falling back to a default
type Registry struct {
	senders  map[string]Sender
	fallback Sender
}

// NewRegistry creates a registry with the given default sender
func NewRegistry(fallback Sender) *Registry {
	return &Registry{
		senders:  make(map[string]Sender),
		fallback: fallback,
	}
}

// Register binds a sender to a channel name
func (r *Registry) Register(channel string, s Sender) {
	r.senders[channel] = s
}

// Resolve returns the sender for a channel, or the fallback
func (r *Registry) Resolve(channel string) Sender {
	if s, ok := r.senders[channel]; ok {
		return s
	}
	return r.fallback
}

// Close closes all registered senders
func (r *Registry) Close() error {
	var firstErr error
	for _, s := range r.senders {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.fallback != nil {
		if err := r.fallback.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DispatchEnvelope is what gets published to the dispatch queue for the
// per-channel delivery services to consume.
type DispatchEnvelope struct {
	MessageID      string                 `json:"message_id"`
	NotificationID uuid.UUID              `json:"notification_id"`
	TenantID       uuid.UUID              `json:"tenant_id"`
	Channel        string                 `json:"channel"`
	Recipient      string                 `json:"recipient"`
	TemplateKey    string                 `json:"template_key"`
	Payload        map[string]interface{} `json:"payload"`
	Attempt        int                    `json:"attempt"`
	QueuedAt       time.Time              `json:"queued_at"`
}

// serviceBusSender publishes dispatch envelopes to Azure Service Bus
type serviceBusSender struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewServiceBusSender creates the default production sender. When no
// connection string is configured a log sender is returned instead, the
// same local-development fallback the platform's other services use.
func NewServiceBusSender(cfg config.ServiceBusConfig) (Sender, error) {
	if cfg.ConnectionString == "" {
		log.Warn().Msg("Service Bus connection string not provided, using log sender")
		return &logSender{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sbSender, err := client.NewSender(cfg.DispatchQueue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &serviceBusSender{
		client:    client,
		sender:    sbSender,
		queueName: cfg.DispatchQueue,
	}, nil
}

// Send publishes a dispatch envelope for the notification
func (s *serviceBusSender) Send(ctx context.Context, notification *models.Notification, payload map[string]interface{}) (string, error) {
	envelope := DispatchEnvelope{
		MessageID:      uuid.NewString(),
		NotificationID: notification.ID,
		TenantID:       notification.TenantID,
		Channel:        notification.Channel,
		Recipient:      notification.Recipient,
		TemplateKey:    notification.TemplateKey,
		Payload:        payload,
		Attempt:        notification.AttemptsCount + 1,
		QueuedAt:       time.Now().UTC(),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal dispatch envelope")
	}

	msg := &azservicebus.Message{
		MessageID: &envelope.MessageID,
		Body:      data,
		ApplicationProperties: map[string]interface{}{
			"channel": notification.Channel,
			"tenant":  notification.TenantID.String(),
		},
	}

	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return "", errors.Wrap(err, "failed to send dispatch message")
	}

	return envelope.MessageID, nil
}

// Close closes the Service Bus client
func (s *serviceBusSender) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}

// logSender logs deliveries instead of sending them, for local development
type logSender struct{}

func (l *logSender) Send(_ context.Context, notification *models.Notification, _ map[string]interface{}) (string, error) {
	id := uuid.NewString()
	log.Info().
		Str("notification_id", notification.ID.String()).
		Str("channel", notification.Channel).
		Str("recipient", notification.Recipient).
		Str("template_key", notification.TemplateKey).
		Str("provider_message_id", id).
		Msg("[LOG SENDER] notification dispatched")
	return id, nil
}

func (l *logSender) Close() error {
	return nil
}
