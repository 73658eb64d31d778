// Package realtime keeps one live change feed subscription per
// (entity type, scope key) a view needs and routes the events it receives
// to the view's cache or notification dispatcher.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/feed"
)

var (
	// ErrEmptyScope is returned when a subscription has no scope key.
	ErrEmptyScope = errors.New("realtime: empty scope key")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("realtime: manager closed")
)

// Routes reported to the Recorder.
const (
	RouteCache  = "cache"
	RouteNotify = "notify"
)

// CacheSink receives rows of cached tables.
type CacheSink interface {
	MergeRemote(entityType, scopeKey string, rows []domain.Entity)
	RemoveRemote(entityType, scopeKey string, row domain.Entity)
}

// NotificationSink receives notification-worthy events: notification rows,
// support messages, and gifts.
type NotificationSink interface {
	Deliver(ctx context.Context, ev domain.RowEvent)
}

// Recorder receives subscription measurements.
type Recorder interface {
	SubscriptionOpened(entityType string)
	SubscriptionClosed(entityType string)
	EventRouted(table, route string)
	EventDropped(table string)
	Resubscribed(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) SubscriptionOpened(string)  {}
func (nopRecorder) SubscriptionClosed(string)  {}
func (nopRecorder) EventRouted(string, string) {}
func (nopRecorder) EventDropped(string)        {}
func (nopRecorder) Resubscribed(bool)          {}

// Option configures a Manager.
type Option func(*Manager)

// WithCache sets the sink for cached tables.
func WithCache(s CacheSink) Option { return func(m *Manager) { m.cache = s } }

// WithNotifications sets the sink for notification-worthy tables.
func WithNotifications(s NotificationSink) Option { return func(m *Manager) { m.notify = s } }

// WithOnPaused registers the callback invoked when a handle goes inactive
// after a failed resubscribe.
func WithOnPaused(fn func(*Handle)) Option { return func(m *Manager) { m.onPaused = fn } }

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.rec = r
		}
	}
}

type key struct {
	entityType string
	scope      string
}

// Manager owns the subscriptions of one view.
type Manager struct {
	feed     feed.Feed
	cache    CacheSink
	notify   NotificationSink
	onPaused func(*Handle)
	log      zerolog.Logger
	rec      Recorder

	mu      sync.Mutex
	handles map[key]*Handle
	closed  bool
}

// NewManager returns a manager subscribing through f.
func NewManager(f feed.Feed, opts ...Option) *Manager {
	m := &Manager{
		feed:    f,
		log:     zerolog.Nop(),
		rec:     nopRecorder{},
		handles: make(map[key]*Handle),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe returns the active handle for (entityType, scopeKey), opening a
// channel filtered by filter when none exists. filter.Table defaults to
// entityType. The subscription outlives ctx; it ends with Unsubscribe or Close.
func (m *Manager) Subscribe(ctx context.Context, entityType, scopeKey string, filter feed.Filter) (*Handle, error) {
	if scopeKey == "" {
		return nil, ErrEmptyScope
	}
	if filter.Table == "" {
		filter.Table = entityType
	}

	ctx, span := otel.Tracer("realtime").Start(ctx, "Subscribe",
		trace.WithAttributes(
			attribute.String("entity.type", entityType),
			attribute.String("scope.key", scopeKey),
		))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	k := key{entityType, scopeKey}
	if h, ok := m.handles[k]; ok {
		if h.Active() {
			return h, nil
		}
		// Paused handles are replaced by a fresh subscription.
		delete(m.handles, k)
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := m.feed.Subscribe(hctx, filter)
	if err != nil {
		cancel()
		span.RecordError(err)
		return nil, err
	}
	h := &Handle{
		EntityType: entityType,
		ScopeKey:   scopeKey,
		Filter:     filter,
		ch:         ch,
		ctx:        hctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.active.Store(true)
	m.handles[k] = h
	m.rec.SubscriptionOpened(entityType)

	go m.pump(h)
	return h, nil
}

// Unsubscribe tears the handle down. The handle is marked inactive before
// its channel is closed, and Unsubscribe waits for any event being routed to
// finish, so once it returns no further event of h reaches a sink.
//
// Sinks must not call Unsubscribe from inside Deliver or MergeRemote.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	k := key{h.EntityType, h.ScopeKey}
	if m.handles[k] == h {
		delete(m.handles, k)
	}
	m.mu.Unlock()
	m.teardown(h)
}

// Rescope moves the subscription of entityType from oldScope to newScope.
// It is Subscribe when oldScope is empty or unknown.
func (m *Manager) Rescope(ctx context.Context, entityType, oldScope, newScope string, filter feed.Filter) (*Handle, error) {
	if newScope == "" {
		return nil, ErrEmptyScope
	}
	if oldScope != "" && oldScope != newScope {
		if h, ok := m.Lookup(entityType, oldScope); ok {
			m.Unsubscribe(h)
		}
	}
	return m.Subscribe(ctx, entityType, newScope, filter)
}

// Lookup returns the handle registered for the pair, active or paused.
func (m *Manager) Lookup(entityType, scopeKey string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key{entityType, scopeKey}]
	return h, ok
}

// Handles returns the registered handles.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// Close unsubscribes every handle and rejects further subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	hs := make([]*Handle, 0, len(m.handles))
	for k, h := range m.handles {
		hs = append(hs, h)
		delete(m.handles, k)
	}
	m.mu.Unlock()

	for _, h := range hs {
		m.teardown(h)
	}
}

// OnEvent routes ev to the sink of its table. Events of inactive handles are
// dropped.
func (m *Manager) OnEvent(h *Handle, ev domain.RowEvent) {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if !h.active.Load() {
		m.rec.EventDropped(ev.Table)
		return
	}

	switch ev.Table {
	case domain.TablePosts, domain.TableComments, domain.TableMessages, domain.TableReactions:
		if m.cache == nil {
			return
		}
		e, ok := domain.AsEntity(ev.Row)
		if !ok {
			m.log.Warn().Str("table", ev.Table).Msg("row without entity mapping")
			return
		}
		if ev.Op == domain.OpDelete {
			m.cache.RemoveRemote(h.EntityType, h.ScopeKey, e)
		} else {
			m.cache.MergeRemote(h.EntityType, h.ScopeKey, []domain.Entity{e})
		}
		m.rec.EventRouted(ev.Table, RouteCache)

	case domain.TableNotifications, domain.TableSupportMessages, domain.TableGifts:
		if m.notify == nil {
			return
		}
		m.notify.Deliver(h.ctx, ev)
		m.rec.EventRouted(ev.Table, RouteNotify)

	default:
		m.log.Debug().Str("table", ev.Table).Msg("event for unrouted table")
	}
}

func (m *Manager) teardown(h *Handle) {
	h.gate.Lock()
	wasActive := h.active.Swap(false)
	h.gate.Unlock()

	h.cancel()
	h.channel().Close()
	<-h.done

	if wasActive {
		m.rec.SubscriptionClosed(h.EntityType)
	}
}

// pump forwards channel events to OnEvent until the handle is torn down.
// OnPaused runs after done is closed so it may call Unsubscribe.
func (m *Manager) pump(h *Handle) {
	paused := m.run(h)
	close(h.done)
	if paused && m.onPaused != nil {
		m.onPaused(h)
	}
}

// run drains the handle's channel. A channel error or an unexpected close
// gets one resubscribe attempt; run reports whether the handle was paused.
func (m *Manager) run(h *Handle) bool {
	for {
		ch := h.channel()
		failure := m.drain(h, ch)
		if !h.Active() {
			return false
		}

		m.log.Warn().Err(failure).
			Str("entity", h.EntityType).
			Str("scope", h.ScopeKey).
			Msg("subscription channel failed; resubscribing")
		ch.Close()

		if err := m.resubscribe(h); err != nil {
			m.rec.Resubscribed(false)
			return m.pause(h, err)
		}
		m.rec.Resubscribed(true)
	}
}

// drain reads ch until it fails or closes.
func (m *Manager) drain(h *Handle, ch feed.Channel) error {
	events, errs := ch.Events(), ch.Err()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errChannelClosed
			}
			m.OnEvent(h, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return err
		}
	}
}

var errChannelClosed = errors.New("realtime: channel closed")

func (m *Manager) resubscribe(h *Handle) error {
	ch, err := m.feed.Subscribe(h.ctx, h.Filter)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active.Load() {
		ch.Close()
		return nil
	}
	h.ch = ch
	return nil
}

func (m *Manager) pause(h *Handle, err error) bool {
	h.gate.Lock()
	wasActive := h.active.Swap(false)
	h.gate.Unlock()
	if !wasActive {
		return false
	}
	m.rec.SubscriptionClosed(h.EntityType)
	m.log.Error().Err(err).
		Str("entity", h.EntityType).
		Str("scope", h.ScopeKey).
		Msg("resubscribe failed; live updates paused")
	return true
}
