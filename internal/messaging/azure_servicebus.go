package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/notify/config"
)

// EventEnvelope is the wire format upstream producers (order pipeline,
// checkout tracker, marketplace webhooks) publish to the event queue.
type EventEnvelope struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// EventHandler processes one decoded event envelope
type EventHandler func(ctx context.Context, envelope *EventEnvelope) error

// EventConsumer receives event envelopes from Azure Service Bus
type EventConsumer struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string
}

// NewEventConsumer creates a consumer for the inbound event queue
func NewEventConsumer(cfg config.ServiceBusConfig) (*EventConsumer, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.EventQueue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &EventConsumer{
		client:    client,
		receiver:  receiver,
		queueName: cfg.EventQueue,
	}, nil
}

// ProcessMessages receives envelopes until the context is cancelled.
// Messages that fail to decode are dead-lettered; handler errors abandon
// the message so the queue redelivers it (Append is idempotent, so a
// redelivery can never produce a duplicate event).
func (c *EventConsumer) ProcessMessages(ctx context.Context, handler EventHandler) error {
	for {
		messages, err := c.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to receive messages")
		}

		for _, message := range messages {
			var envelope EventEnvelope
			if err := json.Unmarshal(message.Body, &envelope); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).
					Msg("Failed to decode event envelope, dead-lettering")
				if dlErr := c.receiver.DeadLetterMessage(ctx, message, nil); dlErr != nil {
					log.Error().Err(dlErr).Str("message_id", message.MessageID).
						Msg("Failed to dead-letter message")
				}
				continue
			}

			if err := handler(ctx, &envelope); err != nil {
				log.Error().Err(err).
					Str("message_id", message.MessageID).
					Str("event_type", envelope.EventType).
					Msg("Failed to process event envelope, abandoning for redelivery")
				if abErr := c.receiver.AbandonMessage(ctx, message, nil); abErr != nil {
					log.Error().Err(abErr).Str("message_id", message.MessageID).
						Msg("Failed to abandon message")
				}
				continue
			}

			if err := c.receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).
					Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the consumer
func (c *EventConsumer) Close() error {
	if c.receiver != nil {
		if err := c.receiver.Close(context.Background()); err != nil {
			return err
		}
	}

	if c.client != nil {
		return c.client.Close(context.Background())
	}

	return nil
}
