// Package services – ViewService
//
// ViewService is the registry of open views. It opens a view with live
// subscriptions to the viewer's notifications and gifts, scopes further
// subscriptions (posts of a community, comments of a post, messages of a
// chat, reactions of a target, support messages) on demand, and runs the
// optimistic sends, reaction toggles, permission prompts, and checkout
// watches of each view. Idle views are reaped.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/cache"
	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/feed"
	"github.com/tbourn/go-realtime-coordinator/internal/realtime"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
)

// ScopeAll subscribes support_messages across every chat (support staff).
const ScopeAll = "all"

const (
	initialPageSize = 50
	unreadSeedLimit = 200
)

// Metrics is the measurement surface of views and everything they own.
type Metrics interface {
	realtime.Recorder
	cache.Recorder
	ReactionRecorder
	NotificationRecorder
	CheckoutRecorder
	OutboxDropped(event string)
	ViewOpened()
	ViewClosed()
}

type nopMetrics struct{}

func (nopMetrics) SubscriptionOpened(string)          {}
func (nopMetrics) SubscriptionClosed(string)          {}
func (nopMetrics) EventRouted(string, string)         {}
func (nopMetrics) EventDropped(string)                {}
func (nopMetrics) Resubscribed(bool)                  {}
func (nopMetrics) CacheStaleDropped(string)           {}
func (nopMetrics) ReactionToggled(string, string)     {}
func (nopMetrics) NotificationDecided(string, string) {}
func (nopMetrics) CheckoutPollFinished(string)        {}
func (nopMetrics) OutboxDropped(string)               {}
func (nopMetrics) ViewOpened()                        {}
func (nopMetrics) ViewClosed()                        {}

// ViewConfig tunes views.
type ViewConfig struct {
	OutboxSize    int
	IdleTTL       time.Duration
	QuietWindow   time.Duration
	PromptTimeout time.Duration
}

// ViewService owns the open views of this process.
type ViewService struct {
	DB        *gorm.DB
	Feed      feed.Feed
	Reactions *ReactionService
	Messages  *MessageService
	Poller    *CheckoutPoller
	Config    ViewConfig
	Log       zerolog.Logger
	Rec       Metrics

	// Staff may scope support_messages to ScopeAll and to any chat.
	Staff StaffSet

	mu    sync.RWMutex
	views map[string]*View
}

// NewViewService wires a view registry. rec may be nil.
func NewViewService(db *gorm.DB, f feed.Feed, reactions *ReactionService, messages *MessageService, poller *CheckoutPoller, cfg ViewConfig, log zerolog.Logger, rec Metrics) *ViewService {
	if rec == nil {
		rec = nopMetrics{}
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 30 * time.Second
	}
	return &ViewService{
		DB:        db,
		Feed:      f,
		Reactions: reactions,
		Messages:  messages,
		Poller:    poller,
		Config:    cfg,
		Log:       log,
		Rec:       rec,
		views:     make(map[string]*View),
	}
}

// Open creates a view for userID subscribed to its notifications and gifts.
func (s *ViewService) Open(ctx context.Context, userID string) (*View, error) {
	ctx, span := otel.Tracer("services/ViewService").Start(ctx, "Open",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	vctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v := &View{
		ID:            uuid.NewString(),
		UserID:        userID,
		OpenedAt:      time.Now().UTC(),
		outbox:        make(chan OutEvent, s.Config.OutboxSize),
		answers:       make(chan Permission, 1),
		promptTimeout: s.Config.PromptTimeout,
		ctx:           vctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		rec:           s.Rec,
		scopes:        make(map[string]string),
		loaded:        make(map[string]string),
		polls:         make(map[string]*PollTask),
	}
	v.log = s.Log.With().Str("view_id", v.ID).Str("user_id", userID).Logger()
	v.active.Store(true)
	v.Touch()

	v.cache = cache.New(cache.WithOnChange(v.onCacheChange), cache.WithRecorder(s.Rec))
	v.dispatcher = NewDispatcher(userID, s.Config.QuietWindow, DispatcherDeps{
		DB:       s.DB,
		Cache:    v.cache,
		Alerts:   v,
		Prompter: v,
		Log:      v.log,
		Rec:      s.Rec,
	})
	v.subs = realtime.NewManager(s.Feed,
		realtime.WithCache(v.cache),
		realtime.WithNotifications(v),
		realtime.WithOnPaused(v.onPaused),
		realtime.WithLogger(v.log),
		realtime.WithRecorder(s.Rec),
	)

	for _, sub := range []struct{ table, column string }{
		{domain.TableNotifications, "user_id"},
		{domain.TableGifts, "recipient_id"},
	} {
		f := feed.Filter{Table: sub.table, Column: sub.column, Value: userID}
		if _, err := v.subs.Subscribe(ctx, sub.table, userID, f); err != nil {
			v.close()
			span.RecordError(err)
			return nil, err
		}
	}

	recent, err := repo.ListNotificationsPage(ctx, s.DB, userID, 0, initialPageSize)
	if err == nil {
		v.cache.MergeRemote(domain.TableNotifications, userID, notificationEntities(recent))
		var unread []domain.Notification
		unread, err = repo.ListUnread(ctx, s.DB, userID, unreadSeedLimit)
		if err == nil {
			v.dispatcher.LoadUnread(ctx, unread)
		}
	}
	if err != nil {
		v.close()
		span.RecordError(err)
		return nil, err
	}

	s.mu.Lock()
	s.views[v.ID] = v
	s.mu.Unlock()
	s.Rec.ViewOpened()
	v.log.Info().Msg("view opened")
	return v, nil
}

// Get returns the open view viewID of userID.
func (s *ViewService) Get(userID, viewID string) (*View, error) {
	s.mu.RLock()
	v, ok := s.views[viewID]
	s.mu.RUnlock()
	if !ok || v.UserID != userID {
		return nil, ErrViewNotFound
	}
	if !v.Active() {
		return nil, ErrViewClosed
	}
	v.Touch()
	return v, nil
}

// Close tears down a view: its subscriptions, cache, and poll tasks.
func (s *ViewService) Close(userID, viewID string) error {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return err
	}
	s.closeView(v)
	return nil
}

func (s *ViewService) closeView(v *View) {
	s.mu.Lock()
	delete(s.views, v.ID)
	s.mu.Unlock()
	if v.close() {
		s.Rec.ViewClosed()
		v.log.Info().Msg("view closed")
	}
}

// Len returns the number of open views.
func (s *ViewService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

// scopeFilter maps a view scope to its change feed filter.
func scopeFilter(entityType, scopeKey string) (feed.Filter, error) {
	f := feed.Filter{Table: entityType, Value: scopeKey}
	switch entityType {
	case domain.TablePosts:
		f.Column = "community_id"
	case domain.TableComments:
		f.Column = "post_id"
	case domain.TableMessages:
		f.Column = "chat_id"
	case domain.TableReactions:
		f.Column = "target_id"
	case domain.TableSupportMessages:
		if scopeKey == ScopeAll {
			f.Value = ""
		} else {
			f.Column = "chat_id"
		}
	default:
		return feed.Filter{}, ErrUnknownEntity
	}
	return f, nil
}

// SetScope points the view's entityType collection at scopeKey: the old
// scope is unsubscribed and dropped, the new one subscribed, then seeded
// from the store. Subscribing before loading leaves no gap; the merge makes
// the overlap harmless.
func (s *ViewService) SetScope(ctx context.Context, userID, viewID, entityType, scopeKey string) ([]cache.Entry, error) {
	ctx, span := otel.Tracer("services/ViewService").Start(ctx, "SetScope",
		trace.WithAttributes(
			attribute.String("view.id", viewID),
			attribute.String("entity.type", entityType),
			attribute.String("scope.key", scopeKey),
		))
	defer span.End()

	v, err := s.Get(userID, viewID)
	if err != nil {
		return nil, err
	}
	f, err := scopeFilter(entityType, scopeKey)
	if err != nil {
		return nil, err
	}
	if scopeKey == "" {
		return nil, realtime.ErrEmptyScope
	}
	switch entityType {
	case domain.TableMessages:
		if _, err := repo.GetChat(ctx, s.DB, scopeKey, userID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrChatNotFound
			}
			return nil, err
		}
	case domain.TableSupportMessages:
		if scopeKey == ScopeAll {
			if !s.Staff.Has(userID) {
				return nil, ErrForbidden
			}
		} else if _, err := authorizeSupport(ctx, s.DB, s.Staff, userID, scopeKey, false); err != nil {
			return nil, err
		}
	}

	old, _ := v.Scope(entityType)
	if _, err := v.subs.Rescope(ctx, entityType, old, scopeKey, f); err != nil {
		span.RecordError(err)
		return nil, err
	}
	v.mu.Lock()
	v.scopes[entityType] = scopeKey
	delete(v.loaded, entityType)
	v.mu.Unlock()
	if old != "" && old != scopeKey {
		v.cache.Drop(entityType, old)
	}

	rows, err := s.loadScope(ctx, entityType, scopeKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(rows) > 0 {
		v.cache.MergeRemote(entityType, scopeKey, rows)
	}
	v.mu.Lock()
	if v.scopes[entityType] == scopeKey {
		v.loaded[entityType] = scopeKey
	}
	v.mu.Unlock()
	v.log.Debug().Str("entity", entityType).Str("scope", scopeKey).Int("rows", len(rows)).Msg("scope set")
	return v.cache.Snapshot(entityType, scopeKey), nil
}

func (s *ViewService) loadScope(ctx context.Context, entityType, scopeKey string) ([]domain.Entity, error) {
	var out []domain.Entity
	switch entityType {
	case domain.TablePosts:
		rows, err := repo.ListCommunityPosts(ctx, s.DB, scopeKey, initialPageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	case domain.TableComments:
		rows, err := repo.ListPostComments(ctx, s.DB, scopeKey, initialPageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	case domain.TableMessages:
		rows, err := repo.ListRecentMessages(ctx, s.DB, scopeKey, initialPageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	case domain.TableReactions:
		rows, err := repo.ListTargetReactions(ctx, s.DB, scopeKey)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	}
	return out, nil
}

// Focus records the chat the view shows and clears its badge.
func (s *ViewService) Focus(ctx context.Context, userID, viewID, chatID string) error {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.focused = chatID
	v.mu.Unlock()
	if chatID != "" {
		v.dispatcher.FocusChat(ctx, chatID)
	}
	return nil
}

// Snapshot returns the cached collection of entityType and its scope key.
func (s *ViewService) Snapshot(userID, viewID, entityType string) ([]cache.Entry, string, error) {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return nil, "", err
	}
	scope, ok := v.Scope(entityType)
	if !ok {
		if _, err := scopeFilter(entityType, "x"); err != nil {
			return nil, "", err
		}
		return []cache.Entry{}, "", nil
	}
	return v.cache.Snapshot(entityType, scope), scope, nil
}

// ToggleReaction runs one reaction toggle in the view.
func (s *ViewService) ToggleReaction(ctx context.Context, userID, viewID string, target ReactionTarget, emoji string) (ToggleResult, error) {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return ToggleResult{}, err
	}
	return s.Reactions.Toggle(ctx, v, userID, target, emoji)
}

// SendMessage adds the message to the view's chat collection at once, then
// stores it. The result is applied only while the view is open.
func (s *ViewService) SendMessage(ctx context.Context, userID, viewID, chatID, content string) (*domain.Message, string, error) {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return nil, "", err
	}
	content, err = s.Messages.NormalizeContent(content)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	tempID := v.cache.ApplyOptimistic(domain.TableMessages, chatID, domain.Message{
		ChatID:    chatID,
		SenderID:  userID,
		Content:   content,
		CreatedAt: now,
	})
	m := &domain.Message{ChatID: chatID, Content: content, ClientRef: tempID}
	if err := s.Messages.Send(ctx, userID, m); err != nil {
		return nil, tempID, s.failOptimistic(v, tempID, "send message", err)
	}
	if v.Active() {
		v.cache.Confirm(tempID, *m)
	}
	return m, tempID, nil
}

// AddComment is SendMessage for comments under a post.
func (s *ViewService) AddComment(ctx context.Context, userID, viewID, postID, body string) (*domain.Comment, string, error) {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return nil, "", err
	}
	body, err = s.Messages.NormalizeContent(body)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	tempID := v.cache.ApplyOptimistic(domain.TableComments, postID, domain.Comment{
		PostID:    postID,
		AuthorID:  userID,
		Body:      body,
		CreatedAt: now,
	})
	c := &domain.Comment{PostID: postID, Body: body, ClientRef: tempID}
	if err := s.Messages.Comment(ctx, userID, c); err != nil {
		return nil, tempID, s.failOptimistic(v, tempID, "add comment", err)
	}
	if v.Active() {
		v.cache.Confirm(tempID, *c)
	}
	return c, tempID, nil
}

// failOptimistic rolls back tempID. Validation failures are returned as is;
// store failures become a TransientError reported on the view.
func (s *ViewService) failOptimistic(v *View, tempID, op string, err error) error {
	if v.Active() {
		v.cache.Rollback(tempID, nil)
	}
	if errors.Is(err, ErrChatNotFound) || errors.Is(err, ErrPostNotFound) {
		return err
	}
	terr := &TransientError{Op: op, Err: err}
	if v.Active() {
		v.Failed(terr)
	}
	v.log.Warn().Err(err).Str("op", op).Msg("optimistic mutation rolled back")
	return terr
}

// RequestPermission asks the browser for notification permission unless
// it already answered.
func (s *ViewService) RequestPermission(ctx context.Context, userID, viewID string) (bool, error) {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return false, err
	}
	return v.dispatcher.RequestPermission(ctx)
}

// AnswerPermission records the browser's permission state and releases a
// pending prompt.
func (s *ViewService) AnswerPermission(ctx context.Context, userID, viewID, state string) error {
	p, err := ParsePermission(state)
	if err != nil {
		return err
	}
	v, err := s.Get(userID, viewID)
	if err != nil {
		return err
	}
	v.dispatcher.SetPermission(ctx, p)
	v.answer(p)
	return nil
}

// MarkRead marks one notification read for the view's user.
func (s *ViewService) MarkRead(ctx context.Context, userID, viewID, notificationID string) error {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return err
	}
	return v.dispatcher.MarkRead(ctx, notificationID)
}

// MarkAllRead marks every notification of the view's user read.
func (s *ViewService) MarkAllRead(ctx context.Context, userID, viewID string) (int64, error) {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return 0, err
	}
	return v.dispatcher.MarkAllRead(ctx)
}

// WatchCheckout starts, or returns the running, poll task of sessionID.
// Status changes are streamed as checkout_status events; the task ends with
// the view at the latest.
func (s *ViewService) WatchCheckout(ctx context.Context, userID, viewID, sessionID string) (*PollTask, error) {
	v, err := s.Get(userID, viewID)
	if err != nil {
		return nil, err
	}
	if _, err := repo.GetCheckoutSession(ctx, s.DB, sessionID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrCheckoutNotFound
		}
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.polls == nil {
		return nil, ErrViewClosed
	}
	if t, ok := v.polls[sessionID]; ok {
		select {
		case <-t.Done():
		default:
			return t, nil
		}
	}
	t := s.Poller.Start(v.ctx, userID, sessionID, func(status string, err error) {
		ev := CheckoutStatus{SessionID: sessionID, Status: status, Done: err != nil || domain.IsTerminalCheckout(status)}
		if err != nil {
			ev.Error = err.Error()
		}
		_ = v.Emit(EventCheckoutStatus, ev)
	})
	v.polls[sessionID] = t
	return t, nil
}

// RunReaper closes views idle for longer than Config.IdleTTL until ctx is
// done.
func (s *ViewService) RunReaper(ctx context.Context) {
	ttl := s.Config.IdleTTL
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reap(now, ttl)
		}
	}
}

func (s *ViewService) reap(now time.Time, ttl time.Duration) int {
	s.mu.RLock()
	var idle []*View
	for _, v := range s.views {
		if now.Sub(v.LastSeen()) > ttl {
			idle = append(idle, v)
		}
	}
	s.mu.RUnlock()

	for _, v := range idle {
		v.log.Info().Dur("idle", now.Sub(v.LastSeen())).Msg("reaping idle view")
		s.closeView(v)
	}
	return len(idle)
}

// CloseAll closes every view.
func (s *ViewService) CloseAll() {
	s.mu.RLock()
	all := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		all = append(all, v)
	}
	s.mu.RUnlock()
	for _, v := range all {
		s.closeView(v)
	}
}

func notificationEntities(rows []domain.Notification) []domain.Entity {
	out := make([]domain.Entity, 0, len(rows))
	for _, n := range rows {
		out = append(out, n)
	}
	return out
}
