// Package services – InboxService
//
// InboxService serves the notification inbox outside of a view and writes
// the rows that other users' views are notified about: support chat messages
// and live-stream gifts. Notification rows themselves are produced by the
// store layer (for example repo.NotifyReactionOwner).
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/utils"
)

var (
	// ErrInvalidGift indicates a gift without a recipient, kind, or positive amount.
	ErrInvalidGift = errors.New("invalid gift")
)

// NotificationPage is one page of a user's inbox.
type NotificationPage struct {
	Items  []domain.Notification
	Total  int64
	Unread int64

	// Count and MaxUpdatedAt describe the whole inbox, for conditional requests.
	Count        int64
	MaxUpdatedAt *time.Time
}

// InboxService reads inboxes and writes support messages and gifts.
type InboxService struct {
	DB *gorm.DB

	// MaxContentRunes caps support message bodies; 0 disables the cap.
	MaxContentRunes int
	// Staff answer support chats.
	Staff StaffSet
	Log   zerolog.Logger
}

// StaffSet holds the user ids answering support chats.
type StaffSet map[string]struct{}

// NewStaffSet builds a StaffSet from ids, ignoring blanks.
func NewStaffSet(ids []string) StaffSet {
	out := make(StaffSet, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

// Has reports whether userID is support staff. A nil set has no staff.
func (s StaffSet) Has(userID string) bool {
	_, ok := s[userID]
	return ok
}

// authorizeSupport checks userID's access to support chat chatID and reports
// whether userID is staff. Staff reach every chat. Anyone else reaches only
// the chat whose first non-staff message they wrote; claim lets them open a
// chat that has no such message yet. Foreign chats read as ErrChatNotFound.
func authorizeSupport(ctx context.Context, db *gorm.DB, staff StaffSet, userID, chatID string, claim bool) (bool, error) {
	if strings.TrimSpace(chatID) == "" {
		return false, ErrChatNotFound
	}
	if staff.Has(userID) {
		return true, nil
	}
	customer, err := repo.SupportChatCustomer(ctx, db, chatID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if claim {
			return false, nil
		}
		return false, ErrChatNotFound
	case err != nil:
		return false, err
	case customer != userID:
		return false, ErrChatNotFound
	}
	return false, nil
}

// ListNotifications returns page (1-based) of userID's notifications, newest
// first, with totals.
func (s *InboxService) ListNotifications(ctx context.Context, userID string, page, pageSize int) (NotificationPage, error) {
	ctx, span := otel.Tracer("services/InboxService").Start(ctx, "ListNotifications",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		))
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	var out NotificationPage
	var err error
	if out.Count, out.MaxUpdatedAt, err = repo.NotificationsStats(ctx, s.DB, userID); err != nil {
		return NotificationPage{}, err
	}
	out.Total = out.Count
	if out.Unread, err = repo.CountUnread(ctx, s.DB, userID); err != nil {
		return NotificationPage{}, err
	}
	if out.Total == 0 {
		out.Items = []domain.Notification{}
		return out, nil
	}
	if out.Items, err = repo.ListNotificationsPage(ctx, s.DB, userID, utils.Offset(page, pageSize), pageSize); err != nil {
		span.RecordError(err)
		return NotificationPage{}, err
	}
	return out, nil
}

// SendSupportMessage writes content from senderID into support chat chatID.
// A customer's first message opens the chat for them. Staff messages are
// flagged IsAdmin, never alert staff views, and reach the chat's customer as
// an inbox notification.
func (s *InboxService) SendSupportMessage(ctx context.Context, senderID, chatID, content string) (*domain.SupportMessage, error) {
	ctx, span := otel.Tracer("services/InboxService").Start(ctx, "SendSupportMessage",
		trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && len([]rune(content)) > s.MaxContentRunes {
		return nil, ErrTooLong
	}
	isAdmin, err := authorizeSupport(ctx, s.DB, s.Staff, senderID, chatID, true)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("support.admin", isAdmin))

	m, err := repo.CreateSupportMessage(ctx, s.DB, chatID, senderID, content, isAdmin)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if isAdmin {
		// The reply is stored; a missed notification only costs the badge.
		if _, err := repo.NotifySupportCustomer(ctx, s.DB, *m); err != nil {
			span.RecordError(err)
			s.Log.Warn().Err(err).Str("chat_id", chatID).Str("message_id", m.ID).Msg("support reply notification failed")
		}
	}
	return m, nil
}

// SupportHistory returns the latest limit messages of support chat chatID,
// oldest first, if userID may read it.
func (s *InboxService) SupportHistory(ctx context.Context, userID, chatID string, limit int) ([]domain.SupportMessage, error) {
	ctx, span := otel.Tracer("services/InboxService").Start(ctx, "SupportHistory",
		trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	if _, err := authorizeSupport(ctx, s.DB, s.Staff, userID, chatID, false); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > utils.MaxPageSize {
		limit = utils.MaxPageSize
	}
	out, err := repo.ListSupportMessages(ctx, s.DB, chatID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if out == nil {
		out = []domain.SupportMessage{}
	}
	return out, nil
}

// SendGift records a gift from senderID to recipientID on streamID.
func (s *InboxService) SendGift(ctx context.Context, senderID, streamID, recipientID, kind string, amount int) (*domain.Gift, error) {
	ctx, span := otel.Tracer("services/InboxService").Start(ctx, "SendGift",
		trace.WithAttributes(
			attribute.String("stream.id", streamID),
			attribute.String("gift.kind", kind),
		))
	defer span.End()

	if recipientID == "" || strings.TrimSpace(kind) == "" || amount <= 0 {
		return nil, ErrInvalidGift
	}
	g, err := repo.CreateGift(ctx, s.DB, streamID, senderID, recipientID, strings.TrimSpace(kind), amount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return g, nil
}

// ReactionSummary counts the reactions on target by emoji, most used first.
func (s *InboxService) ReactionSummary(ctx context.Context, target ReactionTarget) ([]repo.EmojiCount, error) {
	ctx, span := otel.Tracer("services/InboxService").Start(ctx, "ReactionSummary",
		trace.WithAttributes(
			attribute.String("target.type", target.Type),
			attribute.String("target.id", target.ID),
		))
	defer span.End()

	if !target.valid() {
		return nil, ErrInvalidTarget
	}
	out, err := repo.ReactionCounts(ctx, s.DB, target.Type, target.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if out == nil {
		out = []repo.EmojiCount{}
	}
	return out, nil
}
