// Package services – Dispatcher
//
// Dispatcher is a view's notification dispatcher. For each inbound
// notification-worthy event it decides whether to play a sound, raise a
// system notification, show an in-app toast, and bump an unread badge. The
// decision depends on the browser's notification permission, the chat the
// view has focused (passed in explicitly), and a dedup window that keeps a
// chat from alerting twice for the same message.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/cache"
	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
)

// Permission is the browser's notification permission.
type Permission string

const (
	PermissionDefault Permission = "default" // not yet asked
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission validates a permission state.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	}
	return "", ErrInvalidPermission
}

// Inbound event kinds.
const (
	KindNotificationInserted   = "notification_row_inserted"
	KindSupportMessageInserted = "support_message_inserted"
	KindGiftInserted           = "gift_inserted"
)

// Decision actions reported to the recorder.
const (
	ActionAlert      = "alert"
	ActionSuppressed = "suppressed"
	ActionDuplicate  = "duplicate"
	ActionIgnored    = "ignored"
)

// Sounds played by the browser.
const (
	SoundNotification = "notification"
	SoundMessage      = "message"
	SoundGift         = "gift"
)

// InboundEvent is a notification-worthy feed event.
type InboundEvent struct {
	Kind          string
	ID            string
	RecipientID   string // notification owner or gift recipient
	SenderID      string
	ChatID        string
	AdminAuthored bool
	Title         string
	Body          string
	RelatedID     string
	At            time.Time
}

// InboundFromRow maps an insert of a notification, support message, or gift
// into an InboundEvent. Other events report false.
func InboundFromRow(ev domain.RowEvent) (InboundEvent, bool) {
	if ev.Op != domain.OpInsert {
		return InboundEvent{}, false
	}
	switch r := ev.Row.(type) {
	case domain.NotificationRow:
		return InboundEvent{
			Kind:        KindNotificationInserted,
			ID:          r.ID,
			RecipientID: r.UserID,
			Title:       r.Title,
			Body:        r.Message,
			RelatedID:   r.RelatedID,
			At:          r.CreatedAt,
		}, true
	case domain.SupportMessageRow:
		return InboundEvent{
			Kind:          KindSupportMessageInserted,
			ID:            r.ID,
			SenderID:      r.SenderID,
			ChatID:        r.ChatID,
			AdminAuthored: r.IsAdmin,
			Title:         "New support message",
			Body:          r.Content,
			RelatedID:     r.ChatID,
			At:            r.CreatedAt,
		}, true
	case domain.GiftRow:
		return InboundEvent{
			Kind:        KindGiftInserted,
			ID:          r.ID,
			RecipientID: r.RecipientID,
			SenderID:    r.SenderID,
			Title:       "New gift",
			Body:        fmt.Sprintf("%s sent you %d × %s", r.SenderID, r.Amount, r.Kind),
			RelatedID:   r.StreamID,
			At:          r.CreatedAt,
		}, true
	}
	return InboundEvent{}, false
}

// Decision is what the dispatcher did with one inbound event.
type Decision struct {
	Kind       string `json:"kind"`
	Action     string `json:"action"`
	Sound      bool   `json:"sound"`
	System     bool   `json:"system"`
	Toast      bool   `json:"toast"`
	BadgeDelta int    `json:"badge_delta"`
}

// Toast is an in-app notice.
type Toast struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	RelatedID string `json:"related_id,omitempty"`
}

// Badge is the view's unread state.
type Badge struct {
	Unread int            `json:"unread"`
	Chats  map[string]int `json:"chats,omitempty"`
}

// Alerts performs the side effects of a decision on the browser.
type Alerts interface {
	PlaySound(ctx context.Context, sound string) error
	ShowSystem(ctx context.Context, title, body string) error
	Toast(ctx context.Context, t Toast)
	Badge(ctx context.Context, b Badge)
}

// Prompter asks the browser for notification permission.
type Prompter interface {
	Prompt(ctx context.Context) (Permission, error)
}

// NotificationRecorder receives dispatcher measurements.
type NotificationRecorder interface {
	NotificationDecided(kind, action string)
}

// DedupWindow remembers, per chat, the last message that was alerted or
// deliberately suppressed.
type DedupWindow struct {
	mu   sync.Mutex
	last map[string]string
}

// NewDedupWindow returns an empty window.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{last: make(map[string]string)}
}

// Seen reports whether msgID is the last message recorded for chatID.
func (w *DedupWindow) Seen(chatID, msgID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last[chatID] == msgID
}

// Record makes msgID the last message of chatID.
func (w *DedupWindow) Record(chatID, msgID string) {
	w.mu.Lock()
	w.last[chatID] = msgID
	w.mu.Unlock()
}

const seenLimit = 1024

var sanitizer = bluemonday.StrictPolicy()

// Dispatcher decides and performs notification side effects for one view.
type Dispatcher struct {
	UserID      string
	QuietWindow time.Duration

	db       *gorm.DB
	cache    *cache.Reconciler
	alerts   Alerts
	prompter Prompter
	log      zerolog.Logger
	rec      NotificationRecorder
	now      func() time.Time

	dedup    *DedupWindow
	promptMu sync.Mutex

	mu           sync.Mutex
	perm         Permission
	deniedNotice bool
	unread       map[string]struct{}
	chatBadges   map[string]int
	lastSound    map[string]time.Time
	seen         map[string]struct{}
	seenOrder    []string
}

// DispatcherDeps are the collaborators of a Dispatcher. Cache holds the
// view's notifications collection under (notifications, UserID).
type DispatcherDeps struct {
	DB       *gorm.DB
	Cache    *cache.Reconciler
	Alerts   Alerts
	Prompter Prompter
	Log      zerolog.Logger
	Rec      NotificationRecorder
}

// NewDispatcher returns a dispatcher for userID with permission "default".
func NewDispatcher(userID string, quiet time.Duration, deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{
		UserID:      userID,
		QuietWindow: quiet,
		db:          deps.DB,
		cache:       deps.Cache,
		alerts:      deps.Alerts,
		prompter:    deps.Prompter,
		log:         deps.Log,
		rec:         deps.Rec,
		now:         func() time.Time { return time.Now().UTC() },
		dedup:       NewDedupWindow(),
		perm:        PermissionDefault,
		unread:      make(map[string]struct{}),
		chatBadges:  make(map[string]int),
		lastSound:   make(map[string]time.Time),
		seen:        make(map[string]struct{}),
	}
}

// LoadUnread seeds the badge with notifications already unread when the
// view opened. Their ids count as seen.
func (d *Dispatcher) LoadUnread(ctx context.Context, rows []domain.Notification) {
	d.mu.Lock()
	for _, n := range rows {
		if n.UserID != d.UserID || n.IsRead {
			continue
		}
		d.unread[n.ID] = struct{}{}
		d.markSeen(KindNotificationInserted + ":" + n.ID)
	}
	b := d.badgeLocked()
	d.mu.Unlock()
	d.alerts.Badge(ctx, b)
}

// OnInboundEvent decides how to alert for ev given the chat currently
// focused by the view.
func (d *Dispatcher) OnInboundEvent(ctx context.Context, ev InboundEvent, focusedScopeKey string) Decision {
	ctx, span := otel.Tracer("services/Dispatcher").Start(ctx, "OnInboundEvent",
		trace.WithAttributes(
			attribute.String("event.kind", ev.Kind),
			attribute.String("event.id", ev.ID),
		),
	)
	defer span.End()

	var dec Decision
	switch ev.Kind {
	case KindNotificationInserted:
		dec = d.onNotification(ctx, ev)
	case KindSupportMessageInserted:
		dec = d.onSupportMessage(ctx, ev, focusedScopeKey)
	case KindGiftInserted:
		dec = d.onGift(ctx, ev)
	default:
		dec = Decision{Kind: ev.Kind, Action: ActionIgnored}
	}
	span.SetAttributes(attribute.String("decision.action", dec.Action))
	if d.rec != nil {
		d.rec.NotificationDecided(dec.Kind, dec.Action)
	}
	return dec
}

func (d *Dispatcher) onNotification(ctx context.Context, ev InboundEvent) Decision {
	dec := Decision{Kind: ev.Kind}
	if ev.RecipientID != d.UserID {
		dec.Action = ActionIgnored
		return dec
	}

	d.mu.Lock()
	if !d.markSeen(ev.Kind + ":" + ev.ID) {
		d.mu.Unlock()
		dec.Action = ActionDuplicate
		return dec
	}
	d.unread[ev.ID] = struct{}{}
	badge := d.badgeLocked()
	granted := d.perm == PermissionGranted
	d.mu.Unlock()

	dec.Action = ActionAlert
	dec.BadgeDelta = 1
	dec.Toast = true
	dec.Sound = true
	dec.System = granted

	d.alerts.Badge(ctx, badge)
	d.alert(ctx, ev, SoundNotification, dec)
	return dec
}

func (d *Dispatcher) onSupportMessage(ctx context.Context, ev InboundEvent, focused string) Decision {
	dec := Decision{Kind: ev.Kind}
	if ev.AdminAuthored || ev.SenderID == d.UserID {
		dec.Action = ActionIgnored
		return dec
	}
	if d.dedup.Seen(ev.ChatID, ev.ID) {
		dec.Action = ActionDuplicate
		return dec
	}

	d.mu.Lock()
	if !d.markSeen(ev.Kind + ":" + ev.ID) {
		d.mu.Unlock()
		dec.Action = ActionDuplicate
		return dec
	}
	if ev.ChatID == focused {
		d.mu.Unlock()
		d.dedup.Record(ev.ChatID, ev.ID)
		dec.Action = ActionSuppressed
		return dec
	}
	now := d.now()
	quiet := d.QuietWindow > 0 && now.Sub(d.lastSound[ev.ChatID]) < d.QuietWindow
	if !quiet {
		d.lastSound[ev.ChatID] = now
	}
	d.chatBadges[ev.ChatID]++
	badge := d.badgeLocked()
	granted := d.perm == PermissionGranted
	d.mu.Unlock()
	d.dedup.Record(ev.ChatID, ev.ID)

	dec.Action = ActionAlert
	dec.BadgeDelta = 1
	dec.Toast = true
	dec.Sound = !quiet
	dec.System = granted

	d.alerts.Badge(ctx, badge)
	d.alert(ctx, ev, SoundMessage, dec)
	return dec
}

func (d *Dispatcher) onGift(ctx context.Context, ev InboundEvent) Decision {
	dec := Decision{Kind: ev.Kind}
	if ev.RecipientID != d.UserID {
		dec.Action = ActionIgnored
		return dec
	}
	d.mu.Lock()
	fresh := d.markSeen(ev.Kind + ":" + ev.ID)
	d.mu.Unlock()
	if !fresh {
		dec.Action = ActionDuplicate
		return dec
	}

	dec.Action = ActionAlert
	dec.Toast = true
	dec.Sound = true
	d.alert(ctx, ev, SoundGift, dec)
	return dec
}

// alert performs the toast, sound, and system notification of dec. Sound
// and system failures are logged and otherwise ignored.
func (d *Dispatcher) alert(ctx context.Context, ev InboundEvent, sound string, dec Decision) {
	title := sanitizer.Sanitize(ev.Title)
	body := sanitizer.Sanitize(ev.Body)
	if dec.Toast {
		d.alerts.Toast(ctx, Toast{Kind: ev.Kind, Title: title, Body: body, RelatedID: ev.RelatedID})
	}
	if dec.Sound {
		if err := d.alerts.PlaySound(ctx, sound); err != nil {
			d.log.Debug().Err(err).Str("sound", sound).Msg("sound playback failed")
		}
	}
	if dec.System {
		if err := d.alerts.ShowSystem(ctx, title, body); err != nil {
			d.log.Debug().Err(err).Msg("system notification failed")
		}
	}
}

// Permission returns the current permission state.
func (d *Dispatcher) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perm
}

// SetPermission records the browser's permission state. The first denial
// shows a one-time notice.
func (d *Dispatcher) SetPermission(ctx context.Context, p Permission) {
	d.mu.Lock()
	d.perm = p
	notice := p == PermissionDenied && !d.deniedNotice
	if notice {
		d.deniedNotice = true
	}
	d.mu.Unlock()

	if notice {
		d.alerts.Toast(ctx, Toast{
			Kind:  "permission_denied",
			Title: "Notifications blocked",
			Body:  "Desktop notifications are disabled; alerts will only show in the app.",
		})
	}
}

// RequestPermission prompts the browser only while the permission is still
// "default"; otherwise it answers from the recorded state. Concurrent
// requests share a single prompt.
func (d *Dispatcher) RequestPermission(ctx context.Context) (bool, error) {
	d.promptMu.Lock()
	defer d.promptMu.Unlock()

	switch d.Permission() {
	case PermissionGranted:
		return true, nil
	case PermissionDenied:
		return false, nil
	}
	if d.prompter == nil {
		return false, nil
	}
	p, err := d.prompter.Prompt(ctx)
	if err != nil {
		return false, err
	}
	d.SetPermission(ctx, p)
	return p == PermissionGranted, nil
}

// MarkRead flips a notification to read locally, then writes it. A failed
// write is logged and the local state is kept.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("services/Dispatcher").Start(ctx, "MarkRead",
		trace.WithAttributes(attribute.String("notification.id", id)))
	defer span.End()

	d.mu.Lock()
	_, wasUnread := d.unread[id]
	delete(d.unread, id)
	badge := d.badgeLocked()
	d.mu.Unlock()
	if wasUnread {
		d.alerts.Badge(ctx, badge)
	}
	tempID, flipped := d.flip(id)

	n, err := repo.MarkNotificationRead(ctx, d.db, id, d.UserID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if tempID != "" {
			d.cache.Rollback(tempID, nil)
		}
		return ErrNotificationNotFound
	case err != nil:
		span.RecordError(err)
		d.log.Warn().Err(err).Str("notification_id", id).Msg("mark read failed")
		if tempID != "" {
			d.cache.Confirm(tempID, flipped)
		}
		return nil
	}
	if tempID != "" {
		d.cache.Confirm(tempID, *n)
	}
	return nil
}

// MarkAllRead clears the badge locally, then writes every unread
// notification of the user as read. A failed write is logged.
func (d *Dispatcher) MarkAllRead(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer("services/Dispatcher").Start(ctx, "MarkAllRead",
		trace.WithAttributes(attribute.String("user.id", d.UserID)))
	defer span.End()

	d.mu.Lock()
	d.unread = make(map[string]struct{})
	badge := d.badgeLocked()
	d.mu.Unlock()
	d.alerts.Badge(ctx, badge)

	type staged struct {
		tempID string
		value  domain.Notification
	}
	var flips []staged
	if d.cache != nil {
		for _, e := range d.cache.Snapshot(domain.TableNotifications, d.UserID) {
			n, ok := e.Value.(domain.Notification)
			if !ok || n.IsRead {
				continue
			}
			if tempID, v := d.flip(n.ID); tempID != "" {
				flips = append(flips, staged{tempID, v})
			}
		}
	}

	count, err := repo.MarkAllNotificationsRead(ctx, d.db, d.UserID)
	if err != nil {
		span.RecordError(err)
		d.log.Warn().Err(err).Str("user_id", d.UserID).Msg("mark all read failed")
	}
	for _, f := range flips {
		d.cache.Confirm(f.tempID, f.value)
	}
	return count, nil
}

// FocusChat clears the per-chat badge of chatID.
func (d *Dispatcher) FocusChat(ctx context.Context, chatID string) {
	d.mu.Lock()
	_, had := d.chatBadges[chatID]
	delete(d.chatBadges, chatID)
	badge := d.badgeLocked()
	d.mu.Unlock()
	if had {
		d.alerts.Badge(ctx, badge)
	}
}

// Badge returns the current unread state.
func (d *Dispatcher) Badge() Badge {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.badgeLocked()
}

// flip stages IsRead=true on the cached copy of notification id.
func (d *Dispatcher) flip(id string) (string, domain.Notification) {
	if d.cache == nil {
		return "", domain.Notification{}
	}
	e, ok := d.cache.Find(domain.TableNotifications, d.UserID, func(e cache.Entry) bool {
		return e.Value.EntityID() == id
	})
	if !ok {
		return "", domain.Notification{}
	}
	n, ok := e.Value.(domain.Notification)
	if !ok || n.IsRead {
		return "", domain.Notification{}
	}
	n.IsRead = true
	n.UpdatedAt = d.now()
	tempID, _ := d.cache.StageUpdate(domain.TableNotifications, d.UserID, n)
	return tempID, n
}

func (d *Dispatcher) badgeLocked() Badge {
	b := Badge{Unread: len(d.unread)}
	if len(d.chatBadges) > 0 {
		b.Chats = make(map[string]int, len(d.chatBadges))
		for k, v := range d.chatBadges {
			b.Chats[k] = v
			b.Unread += v
		}
	}
	return b
}

// markSeen records key and reports whether it was new. The set keeps the
// most recent seenLimit keys.
func (d *Dispatcher) markSeen(key string) bool {
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	d.seenOrder = append(d.seenOrder, key)
	if len(d.seenOrder) > seenLimit {
		delete(d.seen, d.seenOrder[0])
		d.seenOrder = d.seenOrder[1:]
	}
	return true
}
