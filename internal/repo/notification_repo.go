package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// CreateNotification inserts n, assigning an id and timestamps when unset.
func CreateNotification(ctx context.Context, db *gorm.DB, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.UpdatedAt = n.CreatedAt
	return db.WithContext(ctx).Create(n).Error
}

// CountUnread returns the number of unread notifications for userID.
func CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&total).Error
	return total, err
}

// ListNotificationsPage returns a page of userID's notifications, newest first.
func ListNotificationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListUnread returns up to limit unread notifications, newest first.
func ListUnread(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	err := db.WithContext(ctx).
		Where("user_id = ? AND is_read = ?", userID, false).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkNotificationRead flags one notification as read. The row is written
// back through the model so feed observers see the full updated row.
func MarkNotificationRead(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Notification, error) {
	var n domain.Notification
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if err != nil {
		return nil, err
	}
	if n.IsRead {
		return &n, nil
	}
	n.IsRead = true
	n.UpdatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Save(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAllNotificationsRead flags every unread notification of userID as read
// and returns the number of rows changed. Rows are flipped one at a time
// through the loaded model so feed observers see each full updated row.
func MarkAllNotificationsRead(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var (
		changed int64
		batch   []domain.Notification
	)
	res := db.WithContext(ctx).
		Where("user_id = ? AND is_read = ?", userID, false).
		FindInBatches(&batch, markReadBatch, func(_ *gorm.DB, _ int) error {
			now := time.Now().UTC()
			for i := range batch {
				n := &batch[i]
				n.IsRead = true
				n.UpdatedAt = now
				res := db.WithContext(ctx).
					Model(n).
					Where("is_read = ?", false).
					Select("is_read", "updated_at").
					Updates(n)
				if res.Error != nil {
					return res.Error
				}
				changed += res.RowsAffected
			}
			return nil
		})
	return changed, res.Error
}

const markReadBatch = 200
