package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-realtime-coordinator/internal/cache"
	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/realtime"
)

// Outbound event types streamed to the browser.
const (
	EventSnapshot          = "snapshot"
	EventToast             = "toast"
	EventSound             = "sound"
	EventSystem            = "system_notification"
	EventBadge             = "badge"
	EventBurst             = "burst"
	EventError             = "error"
	EventLivePaused        = "live_paused"
	EventPermissionRequest = "permission_request"
	EventCheckoutStatus    = "checkout_status"
)

// ErrOutboxFull is returned when an outbound event could not be queued.
var ErrOutboxFull = errors.New("view outbox full")

// OutEvent is one event queued for the browser.
type OutEvent struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// CollectionChanged is the payload of a snapshot event.
type CollectionChanged struct {
	Entity string `json:"entity"`
	Scope  string `json:"scope"`
}

// CheckoutStatus is the payload of a checkout_status event.
type CheckoutStatus struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// View is a server-held browser tab: its subscriptions, its cache, its
// notification dispatcher, and a bounded outbox drained by the event stream.
type View struct {
	ID       string
	UserID   string
	OpenedAt time.Time

	cache      *cache.Reconciler
	subs       *realtime.Manager
	dispatcher *Dispatcher

	outbox        chan OutEvent
	answers       chan Permission
	promptTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	active   atomic.Bool
	lastSeen atomic.Int64

	log zerolog.Logger
	rec Metrics

	mu      sync.Mutex
	scopes  map[string]string
	loaded  map[string]string // entity type -> scope seeded from the store
	focused string
	polls   map[string]*PollTask
}

// Active reports whether the view is still open.
func (v *View) Active() bool { return v.active.Load() }

// Reconciler returns the view's cache.
func (v *View) Reconciler() *cache.Reconciler { return v.cache }

// Dispatcher returns the view's notification dispatcher.
func (v *View) Dispatcher() *Dispatcher { return v.dispatcher }

// Subscriptions returns the view's subscription manager.
func (v *View) Subscriptions() *realtime.Manager { return v.subs }

// Events is the outbox. It is never closed; stop reading when Done closes.
func (v *View) Events() <-chan OutEvent { return v.outbox }

// Done is closed when the view is closed.
func (v *View) Done() <-chan struct{} { return v.done }

// Touch marks the view as in use.
func (v *View) Touch() { v.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the view was last used.
func (v *View) LastSeen() time.Time { return time.Unix(0, v.lastSeen.Load()) }

// Focused returns the chat the view has focused, if any.
func (v *View) Focused() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.focused
}

// Scope returns the scope key of entityType, if set.
func (v *View) Scope(entityType string) (string, bool) {
	if entityType == domain.TableNotifications {
		return v.UserID, true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.scopes[entityType]
	return s, ok
}

// Live implements ReactionSession. It reports whether the entityType
// collection is scoped to scopeKey, seeded from the store, and followed by
// an active subscription.
func (v *View) Live(entityType, scopeKey string) bool {
	v.mu.Lock()
	loaded := v.loaded[entityType] == scopeKey && scopeKey != ""
	v.mu.Unlock()
	if !loaded {
		return false
	}
	h, ok := v.subs.Lookup(entityType, scopeKey)
	return ok && h.Active()
}

// Emit queues an outbound event without blocking.
func (v *View) Emit(typ string, data any) error {
	if !v.Active() {
		return ErrViewClosed
	}
	select {
	case v.outbox <- OutEvent{Type: typ, Data: data, At: time.Now().UTC()}:
		return nil
	default:
		v.rec.OutboxDropped(typ)
		v.log.Debug().Str("view_id", v.ID).Str("event", typ).Msg("outbox full; event dropped")
		return ErrOutboxFull
	}
}

// Burst implements ReactionSession.
func (v *View) Burst(target ReactionTarget, emoji string) {
	_ = v.Emit(EventBurst, map[string]string{
		"target_type": target.Type,
		"target_id":   target.ID,
		"emoji":       emoji,
	})
}

// Failed implements ReactionSession.
func (v *View) Failed(err *TransientError) {
	_ = v.Emit(EventError, map[string]string{"op": err.Op, "message": err.Error()})
}

// PlaySound implements Alerts.
func (v *View) PlaySound(_ context.Context, sound string) error {
	return v.Emit(EventSound, map[string]string{"sound": sound})
}

// ShowSystem implements Alerts.
func (v *View) ShowSystem(_ context.Context, title, body string) error {
	return v.Emit(EventSystem, map[string]string{"title": title, "body": body})
}

// Toast implements Alerts.
func (v *View) Toast(_ context.Context, t Toast) { _ = v.Emit(EventToast, t) }

// Badge implements Alerts.
func (v *View) Badge(_ context.Context, b Badge) { _ = v.Emit(EventBadge, b) }

// Prompt implements Prompter: it asks the browser through the outbox and
// waits for AnswerPermission.
func (v *View) Prompt(ctx context.Context) (Permission, error) {
	select {
	case <-v.answers: // stale answer from an earlier prompt
	default:
	}
	if err := v.Emit(EventPermissionRequest, nil); err != nil {
		return PermissionDefault, err
	}

	timer := time.NewTimer(v.promptTimeout)
	defer timer.Stop()
	select {
	case p := <-v.answers:
		return p, nil
	case <-timer.C:
		return PermissionDefault, ErrPromptTimeout
	case <-ctx.Done():
		return PermissionDefault, ctx.Err()
	case <-v.done:
		return PermissionDefault, ErrViewClosed
	}
}

func (v *View) answer(p Permission) {
	select {
	case v.answers <- p:
	default:
	}
}

// Deliver implements realtime.NotificationSink. Notification rows are also
// kept in the view's notifications collection.
func (v *View) Deliver(ctx context.Context, ev domain.RowEvent) {
	if ev.Table == domain.TableNotifications {
		if e, ok := domain.AsEntity(ev.Row); ok {
			if ev.Op == domain.OpDelete {
				v.cache.RemoveRemote(domain.TableNotifications, v.UserID, e)
			} else {
				v.cache.MergeRemote(domain.TableNotifications, v.UserID, []domain.Entity{e})
			}
		}
	}
	in, ok := InboundFromRow(ev)
	if !ok {
		return
	}
	v.dispatcher.OnInboundEvent(ctx, in, v.Focused())
}

func (v *View) onCacheChange(entityType, scopeKey string) {
	_ = v.Emit(EventSnapshot, CollectionChanged{Entity: entityType, Scope: scopeKey})
}

func (v *View) onPaused(h *realtime.Handle) {
	_ = v.Emit(EventLivePaused, CollectionChanged{Entity: h.EntityType, Scope: h.ScopeKey})
}

// close tears the view down once: subscriptions first so no event lands in
// a half-closed view, then poll tasks.
func (v *View) close() bool {
	closed := false
	v.once.Do(func() {
		v.active.Store(false)
		v.subs.Close()
		v.cancel()

		v.mu.Lock()
		polls := v.polls
		v.polls = nil
		v.mu.Unlock()
		for _, t := range polls {
			t.Cancel()
		}
		close(v.done)
		closed = true
	})
	return closed
}
