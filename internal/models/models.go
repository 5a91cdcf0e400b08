package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventStatus is the processing state of a business event
type EventStatus string

// Event statuses
const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusError     EventStatus = "error"
)

// NotificationStatus is the delivery state of a notification
type NotificationStatus string

// Notification statuses
const (
	NotificationStatusScheduled NotificationStatus = "scheduled"
	NotificationStatusSending   NotificationStatus = "sending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusCancelled NotificationStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further delivery work
func (s NotificationStatus) IsTerminal() bool {
	switch s {
	case NotificationStatusSent, NotificationStatusFailed, NotificationStatusCancelled:
		return true
	}
	return false
}

// DedupeScope is the granularity at which concurrent rule matches collapse
type DedupeScope string

// Dedupe scopes
const (
	DedupeScopeNone     DedupeScope = "none"
	DedupeScopeOrder    DedupeScope = "order"
	DedupeScopeCustomer DedupeScope = "customer"
	DedupeScopeCart     DedupeScope = "cart"
)

// AttemptResult is the outcome of a single delivery try
type AttemptResult string

// Attempt results
const (
	AttemptResultSuccess AttemptResult = "success"
	AttemptResultFailure AttemptResult = "failure"
)

// Tenant represents a tenant
type Tenant struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Event is an idempotently recorded business fact. Rows are append-only;
// only Status and Error ever change after insert.
type Event struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	TenantID       uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:idx_events_tenant_idem" json:"tenant_id"`
	EventType      string         `gorm:"not null;index" json:"event_type"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:idx_events_tenant_idem" json:"idempotency_key"`
	Payload        datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	OccurredAt     time.Time      `gorm:"not null" json:"occurred_at"`
	Status         EventStatus    `gorm:"not null;default:'pending';index" json:"status"`
	Error          *string        `json:"error,omitempty"`
	Tenant         Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// Rule maps an event type plus filter conditions to notification actions.
// Authored by tenant operators; the engine treats rules as read-only.
type Rule struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name             string         `gorm:"not null" json:"name"`
	TriggerEventType string         `gorm:"not null;index" json:"trigger_event_type"`
	Filters          datatypes.JSON `gorm:"type:jsonb" json:"filters"`
	Actions          datatypes.JSON `gorm:"type:jsonb;not null" json:"actions"`
	DedupeScope      DedupeScope    `gorm:"not null;default:'none'" json:"dedupe_scope"`
	Priority         int            `gorm:"not null;default:0" json:"priority"`
	IsEnabled        bool           `gorm:"not null;default:true" json:"is_enabled"`
	Tenant           Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// Notification is a scheduled, trackable unit of outbound communication
type Notification struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	TenantID      uuid.UUID          `gorm:"type:uuid;not null;index" json:"tenant_id"`
	RuleID        uuid.UUID          `gorm:"type:uuid;not null;index" json:"rule_id"`
	EventID       uuid.UUID          `gorm:"type:uuid;not null;index" json:"event_id"`
	Channel       string             `gorm:"not null;index" json:"channel"`
	Recipient     string             `gorm:"not null" json:"recipient"`
	TemplateKey   string             `gorm:"not null" json:"template_key"`
	DedupeKey     *string            `gorm:"index" json:"dedupe_key,omitempty"`
	Status        NotificationStatus `gorm:"not null;default:'scheduled';index" json:"status"`
	ScheduledFor  time.Time          `gorm:"not null;index" json:"scheduled_for"`
	AttemptsCount int                `gorm:"not null;default:0" json:"attempts_count"`
	MaxAttempts   int                `gorm:"not null" json:"max_attempts"`
	LastError     *string            `json:"last_error,omitempty"`
	Rule          Rule               `gorm:"foreignKey:RuleID" json:"-"`
	Event         Event              `gorm:"foreignKey:EventID" json:"-"`
	Attempts      []Attempt          `gorm:"foreignKey:NotificationID" json:"-"`
}

// Attempt is one concrete delivery try. Rows are never mutated after insert.
type Attempt struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	NotificationID   uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:idx_attempts_notification_number" json:"notification_id"`
	AttemptNumber    int            `gorm:"not null;uniqueIndex:idx_attempts_notification_number" json:"attempt_number"`
	StartedAt        time.Time      `gorm:"not null" json:"started_at"`
	Result           AttemptResult  `gorm:"not null" json:"result"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	ResponseMetadata datatypes.JSON `gorm:"type:jsonb" json:"response_metadata,omitempty"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Tenant{},
		&Event{},
		&Rule{},
		&Notification{},
		&Attempt{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	// At most one non-terminal notification per (rule_id, dedupe_key).
	// AutoMigrate cannot express a partial unique index, so it is applied
	// directly; the scheduler's insert-or-ignore relies on it.
	err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_active_dedupe
		ON notifications (rule_id, dedupe_key)
		WHERE dedupe_key IS NOT NULL AND status IN ('scheduled', 'sending')
	`).Error
	if err != nil {
		return errors.Wrap(err, "failed to create dedupe index")
	}

	return nil
}
