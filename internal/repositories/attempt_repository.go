package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/storefront/services/notify/internal/models"
)

// AttemptRepository defines read access to the delivery audit trail.
// Attempt rows are written only through the notification repository's
// transactional outcome methods.
type AttemptRepository interface {
	// ListByNotification returns a notification's attempts ordered by
	// attempt_number ascending.
	ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]models.Attempt, error)
}

// attemptRepository implements AttemptRepository
type attemptRepository struct {
	readOnlyDB *gorm.DB
}

// NewAttemptRepository creates a new attempt repository
func NewAttemptRepository(readOnlyDB *gorm.DB) AttemptRepository {
	return &attemptRepository{readOnlyDB: readOnlyDB}
}

// ListByNotification returns the audit trail for a notification
func (r *attemptRepository) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]models.Attempt, error) {
	var attempts []models.Attempt
	err := r.readOnlyDB.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	return attempts, nil
}
