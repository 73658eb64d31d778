// Package services – MessageService
//
// MessageService validates and persists user-authored content that views
// send optimistically: chat messages and post comments. The caller's temp id
// travels in ClientRef so the change feed copy of the row can be paired with
// the pending cache entry.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include chat/user identifiers and pagination parameters where applicable.

package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageService persists messages and comments.
type MessageService struct {
	DB *gorm.DB

	// MaxContentRunes caps message and comment bodies; 0 disables the cap.
	MaxContentRunes int
}

// NormalizeContent trims content and enforces the rune cap.
func (s *MessageService) NormalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return "", ErrTooLong
	}
	return content, nil
}

// Send stores m in a chat owned by userID. m.ChatID, m.Content and
// m.ClientRef are taken from the caller; id and timestamps are assigned.
func (s *MessageService) Send(ctx context.Context, userID string, m *domain.Message) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("chat.id", m.ChatID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	content, err := s.NormalizeContent(m.Content)
	if err != nil {
		return err
	}
	if _, err := repo.GetChat(ctx, s.DB, m.ChatID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrChatNotFound
		}
		return err
	}
	m.Content = content
	m.SenderID = userID
	if err := repo.CreateMessage(ctx, s.DB, m); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Comment stores c under an existing post.
func (s *MessageService) Comment(ctx context.Context, userID string, c *domain.Comment) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Comment",
		trace.WithAttributes(
			attribute.String("post.id", c.PostID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	body, err := s.NormalizeContent(c.Body)
	if err != nil {
		return err
	}
	if _, err := repo.GetPost(ctx, s.DB, c.PostID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrPostNotFound
		}
		return err
	}
	c.Body = body
	c.AuthorID = userID
	if err := repo.CreateComment(ctx, s.DB, c); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// ListPage returns paginated messages for a chat.
func (s *MessageService) ListPage(ctx context.Context, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := utils.Offset(page, pageSize)

	// Ensure chat exists
	var chatCount int64
	if err := s.DB.WithContext(ctx).Model(&domain.Chat{}).Where("id = ?", chatID).Count(&chatCount).Error; err != nil {
		return nil, 0, err
	}
	if chatCount == 0 {
		return nil, 0, ErrChatNotFound
	}

	total, err := repo.CountMessages(ctx, s.DB, chatID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, chatID, offset, pageSize)
	return items, total, err
}
