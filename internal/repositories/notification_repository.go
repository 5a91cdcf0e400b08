package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/storefront/services/notify/internal/models"
)

// NotificationFilter narrows notification listings for the operator API
type NotificationFilter struct {
	TenantID *uuid.UUID
	Status   *models.NotificationStatus
	Channel  *string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// NotificationRepository defines the interface for notification storage.
// All status transitions go through conditional updates so concurrent
// workers and operators can never apply a lost update.
type NotificationRepository interface {
	// Create inserts a notification. When the rule carries a dedupe key
	// and another non-terminal notification holds the same (rule_id,
	// dedupe_key), the insert is suppressed and created is false.
	Create(ctx context.Context, notification *models.Notification) (created bool, err error)

	GetByID(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	List(ctx context.Context, filter NotificationFilter) ([]models.Notification, error)

	// ClaimDue atomically flips up to limit due scheduled notifications
	// to sending and returns them. The claim is exclusive across
	// concurrent workers (row locks with SKIP LOCKED).
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.Notification, error)

	// MarkSent records a successful attempt and finishes the notification.
	// Returns ErrStaleClaim when the row left sending in the meantime
	// (operator cancel); the attempt is then not recorded.
	MarkSent(ctx context.Context, id uuid.UUID, attempt *models.Attempt) error

	// MarkFailure records a failed attempt. A non-nil nextRetry reschedules
	// the notification; nil makes the failure terminal. Returns
	// ErrStaleClaim like MarkSent.
	MarkFailure(ctx context.Context, id uuid.UUID, attempt *models.Attempt, nextRetry *time.Time) error

	// Cancel moves a scheduled or still-unclaimed sending notification to
	// cancelled. Terminal rows return ErrInvalidTransition.
	Cancel(ctx context.Context, id uuid.UUID) error

	// Reschedule updates scheduled_for on a scheduled notification
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error

	// Reprocess returns a failed notification to the queue. Attempt history
	// is always kept; resetAttempts additionally grants a fresh budget.
	Reprocess(ctx context.Context, id uuid.UUID, resetAttempts bool) error

	// RequeueStale returns notifications stuck in sending since before
	// staleBefore back to scheduled (crash recovery).
	RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error)
}

// notificationRepository implements NotificationRepository
type notificationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *gorm.DB, readOnlyDB *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db, readOnlyDB: readOnlyDB}
}

// Create inserts a notification, suppressing dedupe-key collisions through
// the partial unique index rather than a check-then-act read.
func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) (bool, error) {
	if notification.ID == uuid.Nil {
		notification.ID = uuid.New()
	}
	if notification.Status == "" {
		notification.Status = models.NotificationStatusScheduled
	}

	tx := r.db.WithContext(ctx).Omit(clause.Associations)
	if notification.DedupeKey != nil {
		tx = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "rule_id"}, {Name: "dedupe_key"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{
				gorm.Expr("dedupe_key IS NOT NULL AND status IN ('scheduled', 'sending')"),
			}},
			DoNothing: true,
		})
	}

	result := tx.Create(notification)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to create notification")
	}
	return result.RowsAffected > 0, nil
}

// GetByID gets a notification by ID
func (r *notificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	var notification models.Notification
	err := r.readOnlyDB.WithContext(ctx).First(&notification, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get notification by ID")
	}
	return &notification, nil
}

// List returns notifications matching the filter, newest first
func (r *notificationRepository) List(ctx context.Context, filter NotificationFilter) ([]models.Notification, error) {
	query := r.readOnlyDB.WithContext(ctx).Model(&models.Notification{})

	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Channel != nil {
		query = query.Where("channel = ?", *filter.Channel)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var notifications []models.Notification
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&notifications).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	return notifications, nil
}

// ClaimDue selects due scheduled rows under a SKIP LOCKED row lock and
// flips them to sending inside one transaction.
func (r *notificationRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.Notification, error) {
	var claimed []models.Notification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_for <= ?", models.NotificationStatusScheduled, now).
			Order("scheduled_for ASC").
			Limit(limit).
			Find(&claimed).Error
		if err != nil {
			return errors.Wrap(err, "failed to select due notifications")
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}

		err = tx.Model(&models.Notification{}).
			Where("id IN ?", ids).
			Update("status", models.NotificationStatusSending).Error
		if err != nil {
			return errors.Wrap(err, "failed to claim due notifications")
		}

		for i := range claimed {
			claimed[i].Status = models.NotificationStatusSending
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// MarkSent finishes a sending notification and appends the success attempt
func (r *notificationRepository) MarkSent(ctx context.Context, id uuid.UUID, attempt *models.Attempt) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Notification{}).
			Where("id = ? AND status = ?", id, models.NotificationStatusSending).
			Updates(map[string]interface{}{
				"status":         models.NotificationStatusSent,
				"attempts_count": gorm.Expr("attempts_count + 1"),
				"last_error":     nil,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to mark notification as sent")
		}
		if result.RowsAffected == 0 {
			return ErrStaleClaim
		}
		return createAttempt(tx, id, attempt)
	})
}

// MarkFailure appends the failed attempt and either reschedules the
// notification or makes the failure terminal.
func (r *notificationRepository) MarkFailure(ctx context.Context, id uuid.UUID, attempt *models.Attempt, nextRetry *time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"attempts_count": gorm.Expr("attempts_count + 1"),
			"last_error":     attempt.ErrorMessage,
		}
		if nextRetry != nil {
			updates["status"] = models.NotificationStatusScheduled
			updates["scheduled_for"] = *nextRetry
		} else {
			updates["status"] = models.NotificationStatusFailed
		}

		result := tx.Model(&models.Notification{}).
			Where("id = ? AND status = ?", id, models.NotificationStatusSending).
			Updates(updates)
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to record notification failure")
		}
		if result.RowsAffected == 0 {
			return ErrStaleClaim
		}
		return createAttempt(tx, id, attempt)
	})
}

// createAttempt appends an attempt row with the next strictly increasing
// attempt number, derived inside the same transaction as the transition.
func createAttempt(tx *gorm.DB, notificationID uuid.UUID, attempt *models.Attempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	attempt.NotificationID = notificationID

	if attempt.AttemptNumber == 0 {
		var maxNumber int
		err := tx.Model(&models.Attempt{}).
			Where("notification_id = ?", notificationID).
			Select("COALESCE(MAX(attempt_number), 0)").
			Scan(&maxNumber).Error
		if err != nil {
			return errors.Wrap(err, "failed to determine next attempt number")
		}
		attempt.AttemptNumber = maxNumber + 1
	}

	if err := tx.Create(attempt).Error; err != nil {
		return errors.Wrap(err, "failed to create attempt")
	}
	return nil
}

// Cancel transitions a non-terminal notification to cancelled
func (r *notificationRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND status IN ?", id, []models.NotificationStatus{
			models.NotificationStatusScheduled,
			models.NotificationStatusSending,
		}).
		Update("status", models.NotificationStatusCancelled)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to cancel notification")
	}
	if result.RowsAffected == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// Reschedule moves a scheduled notification's due time
func (r *notificationRepository) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND status = ?", id, models.NotificationStatusScheduled).
		Update("scheduled_for", at)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to reschedule notification")
	}
	if result.RowsAffected == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// Reprocess returns a failed notification to the queue
func (r *notificationRepository) Reprocess(ctx context.Context, id uuid.UUID, resetAttempts bool) error {
	updates := map[string]interface{}{
		"status":        models.NotificationStatusScheduled,
		"scheduled_for": time.Now().UTC(),
	}
	if resetAttempts {
		updates["attempts_count"] = 0
	}

	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND status = ?", id, models.NotificationStatusFailed).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to reprocess notification")
	}
	if result.RowsAffected == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// RequeueStale resets notifications stuck in sending back to scheduled
func (r *notificationRepository) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("status = ? AND updated_at < ?", models.NotificationStatusSending, staleBefore).
		Updates(map[string]interface{}{
			"status":        models.NotificationStatusScheduled,
			"scheduled_for": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to requeue stale notifications")
	}
	return result.RowsAffected, nil
}

// transitionError distinguishes a missing row from a disallowed transition
// after a conditional update touched nothing.
func (r *notificationRepository) transitionError(ctx context.Context, id uuid.UUID) error {
	var notification models.Notification
	err := r.db.WithContext(ctx).First(&notification, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to inspect notification status")
	}
	return errors.Wrapf(ErrInvalidTransition, "notification is %s", notification.Status)
}
