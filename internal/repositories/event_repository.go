package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/storefront/services/notify/internal/models"
)

// EventRepository defines the interface for the durable event log
type EventRepository interface {
	// Append records an event idempotently. When an event with the same
	// (tenant_id, idempotency_key) already exists, the existing row is
	// loaded into event and isNew is false. Never an error for callers.
	Append(ctx context.Context, event *models.Event) (isNew bool, err error)

	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)

	// MarkProcessed flips a pending event to processed. Processing a
	// non-pending event again is a silent no-op.
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// MarkError flips a pending event to error with a reason. Idempotent
	// like MarkProcessed.
	MarkError(ctx context.Context, id uuid.UUID, reason string) error

	// ListPending returns events still awaiting rule evaluation, oldest
	// first, for the reconciliation fallback loop.
	ListPending(ctx context.Context, limit int) ([]models.Event, error)
}

// eventRepository implements EventRepository
type eventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) EventRepository {
	return &eventRepository{db: db, readOnlyDB: readOnlyDB}
}

// Append records an event idempotently via insert-or-ignore on the
// (tenant_id, idempotency_key) unique index.
func (r *eventRepository) Append(ctx context.Context, event *models.Event) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}

	result := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to append event")
	}

	if result.RowsAffected > 0 {
		return true, nil
	}

	// Duplicate submission: surface the original row instead
	var existing models.Event
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", event.TenantID, event.IdempotencyKey).
		First(&existing).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to load existing event after conflict")
	}
	*event = existing
	return false, nil
}

// GetByID gets an event by ID
func (r *eventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := r.readOnlyDB.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get event by ID")
	}
	return &event, nil
}

// MarkProcessed flips a pending event to processed
func (r *eventRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ? AND status = ?", id, models.EventStatusPending).
		Update("status", models.EventStatusProcessed).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark event as processed")
	}
	return nil
}

// MarkError flips a pending event to error with a reason
func (r *eventRepository) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ? AND status = ?", id, models.EventStatusPending).
		Updates(map[string]interface{}{
			"status": models.EventStatusError,
			"error":  reason,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark event as errored")
	}
	return nil
}

// ListPending returns pending events, oldest first
func (r *eventRepository) ListPending(ctx context.Context, limit int) ([]models.Event, error) {
	var events []models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ?", models.EventStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending events")
	}
	return events, nil
}
