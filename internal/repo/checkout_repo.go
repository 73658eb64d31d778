package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// GetCheckoutSession fetches a checkout session by id and owner.
func GetCheckoutSession(ctx context.Context, db *gorm.DB, id, userID string) (*domain.CheckoutSession, error) {
	var s domain.CheckoutSession
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateCheckoutSession records an open checkout session. Sessions are
// created by the payment integration; the coordinator only reads them.
func CreateCheckoutSession(ctx context.Context, db *gorm.DB, id, userID string) (*domain.CheckoutSession, error) {
	now := time.Now().UTC()
	s := &domain.CheckoutSession{ID: id, UserID: userID, Status: domain.CheckoutOpen, CreatedAt: now, UpdatedAt: now}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// SetCheckoutStatus updates a session's status.
func SetCheckoutStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.CheckoutSession{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
