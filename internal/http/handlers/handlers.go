// Package handlers exposes the coordinator's REST and event-stream endpoints.
//
// Handlers are transport-thin: they bind and validate input, call the
// application services, and translate results into HTTP responses. Every
// view-scoped route takes the view id as :id and only ever acts on a view
// owned by the caller.
package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/tbourn/go-realtime-coordinator/internal/cache"
	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
	"github.com/tbourn/go-realtime-coordinator/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService defines chat lifecycle operations.
type ChatService interface {
	Create(ctx context.Context, userID, title string) (*domain.Chat, error)
	Get(ctx context.Context, userID, chatID string) (*domain.Chat, error)
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error)
	UpdateTitle(ctx context.Context, userID, chatID, title string) error
	// Stats returns the chat count and latest update, for the list ETag.
	Stats(ctx context.Context, userID string) (int64, *time.Time, error)
}

// MessageService lists chat history.
type MessageService interface {
	ListPage(ctx context.Context, chatID string, page, pageSize int) ([]domain.Message, int64, error)
}

// ViewService manages open views and everything done through them.
type ViewService interface {
	Open(ctx context.Context, userID string) (*services.View, error)
	Get(userID, viewID string) (*services.View, error)
	Close(userID, viewID string) error
	SetScope(ctx context.Context, userID, viewID, entityType, scopeKey string) ([]cache.Entry, error)
	Focus(ctx context.Context, userID, viewID, chatID string) error
	Snapshot(userID, viewID, entityType string) ([]cache.Entry, string, error)
	ToggleReaction(ctx context.Context, userID, viewID string, target services.ReactionTarget, emoji string) (services.ToggleResult, error)
	SendMessage(ctx context.Context, userID, viewID, chatID, content string) (*domain.Message, string, error)
	AddComment(ctx context.Context, userID, viewID, postID, body string) (*domain.Comment, string, error)
	RequestPermission(ctx context.Context, userID, viewID string) (bool, error)
	AnswerPermission(ctx context.Context, userID, viewID, state string) error
	MarkRead(ctx context.Context, userID, viewID, notificationID string) error
	MarkAllRead(ctx context.Context, userID, viewID string) (int64, error)
	WatchCheckout(ctx context.Context, userID, viewID, sessionID string) (*services.PollTask, error)
}

// InboxService reads inboxes and writes support messages and gifts.
type InboxService interface {
	ListNotifications(ctx context.Context, userID string, page, pageSize int) (services.NotificationPage, error)
	SendSupportMessage(ctx context.Context, senderID, chatID, content string) (*domain.SupportMessage, error)
	SendGift(ctx context.Context, senderID, streamID, recipientID, kind string, amount int) (*domain.Gift, error)
	SupportHistory(ctx context.Context, userID, chatID string, limit int) ([]domain.SupportMessage, error)
	ReactionSummary(ctx context.Context, target services.ReactionTarget) ([]repo.EmojiCount, error)
}

// IdempotentResult is the recorded outcome of a keyed request.
type IdempotentResult struct {
	ResultID string
	// Body is the JSON response that was sent.
	Body []byte
}

// IdempotencyStore records the outcome of keyed requests.
type IdempotencyStore interface {
	// Lookup returns the recorded outcome of (userID, scopeKey, key), if any
	// is still valid at now.
	Lookup(ctx context.Context, userID, scopeKey, key string, now time.Time) (IdempotentResult, bool, error)
	// Record stores the outcome for ttl.
	Record(ctx context.Context, userID, scopeKey, key string, res IdempotentResult, status int, ttl time.Duration) error
}

//
// Handler wiring
//

// Deps are the services and settings the handlers run on.
type Deps struct {
	Chats       ChatService
	Messages    MessageService
	Views       ViewService
	Inbox       InboxService
	Idempotency IdempotencyStore

	// IdempotencyTTL is how long keyed outcomes are replayable. Default 24h.
	IdempotencyTTL time.Duration
	// Heartbeat is the event stream keep-alive interval. Default 15s.
	Heartbeat time.Duration
}

// Handlers groups every endpoint of the API.
type Handlers struct {
	chatSvc ChatService
	msgSvc  MessageService
	views   ViewService
	inbox   InboxService
	idem    IdempotencyStore
	idemTTL time.Duration
	beat    time.Duration
}

var registerOnce sync.Once

// New constructs the handlers and registers the custom binding validators
// on gin's engine.
func New(d Deps) *Handlers {
	h := &Handlers{
		chatSvc: d.Chats,
		msgSvc:  d.Messages,
		views:   d.Views,
		inbox:   d.Inbox,
		idem:    d.Idempotency,
		idemTTL: d.IdempotencyTTL,
		beat:    d.Heartbeat,
	}
	if h.idemTTL <= 0 {
		h.idemTTL = 24 * time.Hour
	}
	if h.beat <= 0 {
		h.beat = 15 * time.Second
	}
	registerOnce.Do(func() {
		if err := RegisterValidators(); err != nil {
			panic(err)
		}
	})
	return h
}

// RegisterValidators adds the "emoji" binding tag to gin's validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("emoji", func(fl validator.FieldLevel) bool {
		_, err := services.NormalizeEmoji(fl.Field().String())
		return err == nil
	})
}

// userID extracts the authenticated user id from Gin context (set by the
// auth middleware). If absent, it falls back to the X-User-ID header, and
// finally to "demo-user".
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// Pagination
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination reads page and page_size from the query.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// notModified sets etag and reports whether the request already holds it.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	return c.GetHeader("If-None-Match") == etag
}

// Register mounts every endpoint on api.
func (h *Handlers) Register(api gin.IRoutes) {
	// Chats
	api.POST("/chats", h.CreateChat)
	api.GET("/chats", h.ListChats)
	api.PUT("/chats/:id/title", h.UpdateChatTitle)
	api.GET("/chats/:id/messages", h.ListMessages)

	// Views
	api.POST("/views", h.OpenView)
	api.DELETE("/views/:id", h.CloseView)
	api.PUT("/views/:id/scopes/:entity", h.SetScope)
	api.PUT("/views/:id/focus", h.Focus)
	api.GET("/views/:id/snapshot/:entity", h.Snapshot)
	api.GET("/views/:id/events", h.Events)

	// Mutations through a view
	api.POST("/views/:id/reactions", h.ToggleReaction)
	api.POST("/views/:id/messages", h.SendMessage)
	api.POST("/views/:id/comments", h.AddComment)
	api.POST("/views/:id/checkouts/:sid/watch", h.WatchCheckout)

	// Notifications
	api.GET("/notifications", h.ListNotifications)
	api.POST("/views/:id/permission/request", h.RequestPermission)
	api.PUT("/views/:id/permission", h.AnswerPermission)
	api.POST("/views/:id/notifications/read-all", h.MarkAllRead)
	api.POST("/views/:id/notifications/:nid/read", h.MarkRead)

	// Support and streams
	api.GET("/support/:chat/messages", h.SupportHistory)
	api.POST("/support/:chat/messages", h.SendSupportMessage)
	api.POST("/streams/:id/gifts", h.SendGift)
	api.GET("/reactions/:type/:target", h.ReactionSummary)
}
