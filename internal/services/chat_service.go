// Package services – ChatService
//
// ChatService manages the conversations a user can scope a view to. A chat
// is the scope key of the "messages" subscription; its owner is the only
// user allowed to set that scope or send into it.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/utils"
)

// Chat title defaults.
const (
	DefaultChatTitle  = "New chat"
	UntitledChatTitle = "Untitled"
	chatTitleMaxRunes = 60
)

var spaceRun = regexp.MustCompile(`\s+`)

// ChatService creates, lists, renames, and resolves a user's chats.
type ChatService struct {
	DB *gorm.DB

	// TitleMaxLen caps stored titles by rune length; 0 disables the cap.
	TitleMaxLen int
}

// NewChatService returns a ChatService with a 60-rune title cap.
func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{DB: db, TitleMaxLen: chatTitleMaxRunes}
}

// Create inserts a chat owned by userID. A blank title becomes "New chat".
func (s *ChatService) Create(ctx context.Context, userID, title string) (*domain.Chat, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Create",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	c, err := repo.CreateChat(ctx, s.DB, userID, s.title(title, DefaultChatTitle))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return c, nil
}

// Get returns the chat if userID owns it, else ErrChatNotFound.
func (s *ChatService) Get(ctx context.Context, userID, chatID string) (*domain.Chat, error) {
	c, err := repo.GetChat(ctx, s.DB, chatID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	return c, err
}

// ListPage returns page (1-based) of userID's chats, newest first, and the
// total count.
func (s *ChatService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		))
	defer span.End()

	if pageSize <= 0 {
		pageSize = utils.DefaultPageSize
	}
	total, err := repo.CountChats(ctx, s.DB, userID)
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Chat{}, 0, nil
	}
	items, err := repo.ListChatsPage(ctx, s.DB, userID, utils.Offset(max(page, 1), pageSize), pageSize)
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}
	return items, total, nil
}

// Stats returns the number of userID's chats and their latest update, the
// inputs of the chat list ETag.
func (s *ChatService) Stats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.ChatsStats(ctx, s.DB, userID)
}

// UpdateTitle renames a chat userID owns. A blank title becomes "Untitled".
func (s *ChatService) UpdateTitle(ctx context.Context, userID, chatID, title string) error {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "UpdateTitle",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("chat.id", chatID),
		))
	defer span.End()

	err := repo.UpdateChatTitle(ctx, s.DB, chatID, userID, s.title(title, UntitledChatTitle))
	if errors.Is(err, repo.ErrNotFound) {
		return ErrChatNotFound
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// title collapses whitespace runs, applies fallback to a blank title, and
// clips to TitleMaxLen runes.
func (s *ChatService) title(raw, fallback string) string {
	t := spaceRun.ReplaceAllString(strings.TrimSpace(raw), " ")
	if t == "" {
		return fallback
	}
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(t) > s.TitleMaxLen {
		t = string([]rune(t)[:s.TitleMaxLen])
	}
	return t
}
