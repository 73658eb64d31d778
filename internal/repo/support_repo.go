package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// CreateSupportMessage inserts a support chat message.
func CreateSupportMessage(ctx context.Context, db *gorm.DB, chatID, senderID, content string, isAdmin bool) (*domain.SupportMessage, error) {
	m := &domain.SupportMessage{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		IsAdmin:   isAdmin,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// ListSupportMessages returns the newest limit messages of a support chat,
// oldest first. limit <= 0 returns all of them.
func ListSupportMessages(ctx context.Context, db *gorm.DB, chatID string, limit int) ([]domain.SupportMessage, error) {
	var out []domain.SupportMessage
	q := db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SupportChatCustomer returns the sender of the earliest non-staff message
// in chatID, or ErrNotFound when only staff have written there.
func SupportChatCustomer(ctx context.Context, db *gorm.DB, chatID string) (string, error) {
	var m domain.SupportMessage
	err := db.WithContext(ctx).
		Where("chat_id = ? AND is_admin = ?", chatID, false).
		Order("created_at ASC, id ASC").
		First(&m).Error
	if err != nil {
		return "", err
	}
	return m.SenderID, nil
}

// NotifySupportCustomer writes the inbox notification for a staff reply. It
// returns (nil, nil) when the chat has no customer yet.
func NotifySupportCustomer(ctx context.Context, db *gorm.DB, m domain.SupportMessage) (*domain.Notification, error) {
	customer, err := SupportChatCustomer(ctx, db, m.ChatID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(map[string]string{
		"message_id": m.ID,
		"sender_id":  m.SenderID,
	})
	if err != nil {
		return nil, err
	}
	n := &domain.Notification{
		UserID:      customer,
		Title:       "New support reply",
		Message:     m.Content,
		RelatedID:   m.ChatID,
		RelatedType: domain.RelatedSupportChat,
		Metadata:    datatypes.JSON(meta),
	}
	if err := CreateNotification(ctx, db, n); err != nil {
		return nil, err
	}
	return n, nil
}

// CreateGift records a live-stream gift.
func CreateGift(ctx context.Context, db *gorm.DB, streamID, senderID, recipientID, kind string, amount int) (*domain.Gift, error) {
	g := &domain.Gift{
		ID:          uuid.NewString(),
		StreamID:    streamID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Kind:        kind,
		Amount:      amount,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(g).Error; err != nil {
		return nil, err
	}
	return g, nil
}
