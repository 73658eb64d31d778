package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-realtime-coordinator/internal/cache"
	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

type fakeAlerts struct {
	mu      sync.Mutex
	sounds  []string
	systems []string
	toasts  []Toast
	badges  []Badge
}

func (a *fakeAlerts) PlaySound(_ context.Context, sound string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sounds = append(a.sounds, sound)
	return nil
}

func (a *fakeAlerts) ShowSystem(_ context.Context, title, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systems = append(a.systems, title)
	return nil
}

func (a *fakeAlerts) Toast(_ context.Context, t Toast) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toasts = append(a.toasts, t)
}

func (a *fakeAlerts) Badge(_ context.Context, b Badge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.badges = append(a.badges, b)
}

func (a *fakeAlerts) lastBadge() Badge {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.badges) == 0 {
		return Badge{}
	}
	return a.badges[len(a.badges)-1]
}

type fakePrompter struct {
	mu    sync.Mutex
	calls int
	reply Permission
	err   error
	wait  chan struct{}
}

func (p *fakePrompter) Prompt(ctx context.Context) (Permission, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.wait != nil {
		<-p.wait
	}
	return p.reply, p.err
}

type decisionLog struct {
	mu  sync.Mutex
	got []string
}

func (l *decisionLog) NotificationDecided(kind, action string) {
	l.mu.Lock()
	l.got = append(l.got, kind+"/"+action)
	l.mu.Unlock()
}

func newTestDispatcher(t *testing.T, quiet time.Duration) (*Dispatcher, *fakeAlerts) {
	t.Helper()
	a := &fakeAlerts{}
	d := NewDispatcher("u1", quiet, DispatcherDeps{
		DB:     newSvcDB(t),
		Cache:  cache.New(),
		Alerts: a,
		Log:    zerolog.Nop(),
	})
	return d, a
}

func notificationEvent(id, recipient string) InboundEvent {
	return InboundEvent{Kind: KindNotificationInserted, ID: id, RecipientID: recipient, Title: "New reaction", Body: "x reacted"}
}

func supportEvent(id, chat, sender string, admin bool) InboundEvent {
	return InboundEvent{Kind: KindSupportMessageInserted, ID: id, ChatID: chat, SenderID: sender, AdminAuthored: admin, Title: "New support message", Body: "hello"}
}

func TestParsePermission(t *testing.T) {
	for _, s := range []string{"default", "granted", "denied"} {
		p, err := ParsePermission(s)
		require.NoError(t, err)
		assert.Equal(t, Permission(s), p)
	}
	_, err := ParsePermission("maybe")
	assert.ErrorIs(t, err, ErrInvalidPermission)
}

func TestInboundFromRow(t *testing.T) {
	in, ok := InboundFromRow(domain.RowEvent{
		Table: domain.TableGifts,
		Op:    domain.OpInsert,
		Row:   domain.GiftRow{Gift: domain.Gift{ID: "g1", StreamID: "s1", SenderID: "fan", RecipientID: "u1", Kind: "rose", Amount: 3}},
	})
	require.True(t, ok)
	assert.Equal(t, KindGiftInserted, in.Kind)
	assert.Equal(t, "u1", in.RecipientID)
	assert.Contains(t, in.Body, "rose")

	_, ok = InboundFromRow(domain.RowEvent{
		Table: domain.TableNotifications,
		Op:    domain.OpUpdate,
		Row:   domain.NotificationRow{Notification: domain.Notification{ID: "n1", UserID: "u1"}},
	})
	assert.False(t, ok, "only inserts alert")

	_, ok = InboundFromRow(domain.RowEvent{Table: domain.TablePosts, Op: domain.OpInsert, Row: domain.PostRow{Post: domain.Post{ID: "p1"}}})
	assert.False(t, ok)
}

func TestDispatcher_NotificationAlertsOnce(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	rec := &decisionLog{}
	d.rec = rec

	dec := d.OnInboundEvent(context.Background(), notificationEvent("n1", "u1"), "")
	assert.Equal(t, ActionAlert, dec.Action)
	assert.True(t, dec.Toast)
	assert.True(t, dec.Sound)
	assert.False(t, dec.System, "no system notification without permission")
	assert.Equal(t, 1, dec.BadgeDelta)
	assert.Equal(t, 1, a.lastBadge().Unread)
	assert.Equal(t, []string{SoundNotification}, a.sounds)

	dup := d.OnInboundEvent(context.Background(), notificationEvent("n1", "u1"), "")
	assert.Equal(t, ActionDuplicate, dup.Action)
	assert.Len(t, a.toasts, 1)

	other := d.OnInboundEvent(context.Background(), notificationEvent("n2", "someone-else"), "")
	assert.Equal(t, ActionIgnored, other.Action)

	assert.Equal(t, []string{
		KindNotificationInserted + "/" + ActionAlert,
		KindNotificationInserted + "/" + ActionDuplicate,
		KindNotificationInserted + "/" + ActionIgnored,
	}, rec.got)
}

func TestDispatcher_SystemNotificationOnlyWhenGranted(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	d.SetPermission(context.Background(), PermissionGranted)

	dec := d.OnInboundEvent(context.Background(), notificationEvent("n1", "u1"), "")
	assert.True(t, dec.System)
	assert.Equal(t, []string{"New reaction"}, a.systems)
}

func TestDispatcher_ToastTextIsSanitized(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	ev := notificationEvent("n1", "u1")
	ev.Body = `<img src=x onerror=alert(1)>hi <b>there</b>`

	d.OnInboundEvent(context.Background(), ev, "")
	require.Len(t, a.toasts, 1)
	assert.Equal(t, "hi there", a.toasts[0].Body)
}

func TestDispatcher_SupportMessageRules(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	ctx := context.Background()

	assert.Equal(t, ActionIgnored, d.OnInboundEvent(ctx, supportEvent("m1", "c1", "staff", true), "").Action)
	assert.Equal(t, ActionIgnored, d.OnInboundEvent(ctx, supportEvent("m2", "c1", "u1", false), "").Action)

	// Focused chat: recorded but silent.
	dec := d.OnInboundEvent(ctx, supportEvent("m3", "c1", "bob", false), "c1")
	assert.Equal(t, ActionSuppressed, dec.Action)
	assert.Empty(t, a.toasts)
	assert.Equal(t, ActionDuplicate, d.OnInboundEvent(ctx, supportEvent("m3", "c1", "bob", false), "").Action)

	dec = d.OnInboundEvent(ctx, supportEvent("m4", "c1", "bob", false), "c2")
	assert.Equal(t, ActionAlert, dec.Action)
	assert.True(t, dec.Sound)
	assert.Equal(t, map[string]int{"c1": 1}, a.lastBadge().Chats)
	assert.Equal(t, []string{SoundMessage}, a.sounds)

	d.FocusChat(ctx, "c1")
	assert.Zero(t, a.lastBadge().Unread)
	assert.Empty(t, d.Badge().Chats)
}

func TestDispatcher_QuietWindowMutesSoundOnly(t *testing.T) {
	d, a := newTestDispatcher(t, time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	first := d.OnInboundEvent(ctx, supportEvent("m1", "c1", "bob", false), "")
	now = now.Add(10 * time.Second)
	second := d.OnInboundEvent(ctx, supportEvent("m2", "c1", "bob", false), "")
	now = now.Add(2 * time.Minute)
	third := d.OnInboundEvent(ctx, supportEvent("m3", "c1", "bob", false), "")

	assert.True(t, first.Sound)
	assert.False(t, second.Sound)
	assert.True(t, second.Toast)
	assert.True(t, third.Sound)
	assert.Len(t, a.sounds, 2)
	assert.Equal(t, 3, d.Badge().Chats["c1"])
}

func TestDispatcher_GiftAlertsRecipientOnly(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	ctx := context.Background()
	gift := InboundEvent{Kind: KindGiftInserted, ID: "g1", RecipientID: "u1", SenderID: "fan", Title: "New gift", Body: "rose"}

	dec := d.OnInboundEvent(ctx, gift, "")
	assert.Equal(t, ActionAlert, dec.Action)
	assert.Zero(t, dec.BadgeDelta)
	assert.Equal(t, []string{SoundGift}, a.sounds)

	gift.RecipientID = "streamer-2"
	gift.ID = "g2"
	assert.Equal(t, ActionIgnored, d.OnInboundEvent(ctx, gift, "").Action)
}

func TestDispatcher_SeenSetIsBounded(t *testing.T) {
	d, _ := newTestDispatcher(t, 0)
	ctx := context.Background()
	for i := 0; i < seenLimit+10; i++ {
		d.OnInboundEvent(ctx, notificationEvent(fmt.Sprintf("n%d", i), "u1"), "")
	}
	assert.Len(t, d.seen, seenLimit)
	assert.Len(t, d.seenOrder, seenLimit)
}

func TestDispatcher_DeniedShowsNoticeOnce(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	ctx := context.Background()

	d.SetPermission(ctx, PermissionDenied)
	d.SetPermission(ctx, PermissionDefault)
	d.SetPermission(ctx, PermissionDenied)

	require.Len(t, a.toasts, 1)
	assert.Equal(t, "permission_denied", a.toasts[0].Kind)
}

func TestDispatcher_RequestPermissionPromptsOnlyWhenDefault(t *testing.T) {
	a := &fakeAlerts{}
	p := &fakePrompter{reply: PermissionGranted, wait: make(chan struct{})}
	d := NewDispatcher("u1", 0, DispatcherDeps{Alerts: a, Prompter: p, Log: zerolog.Nop()})

	var wg sync.WaitGroup
	results := make([]bool, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := d.RequestPermission(context.Background())
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	close(p.wait)
	wg.Wait()

	assert.Equal(t, 1, p.calls, "concurrent requests share one prompt")
	assert.Equal(t, []bool{true, true, true}, results)
	assert.Equal(t, PermissionGranted, d.Permission())

	d.SetPermission(context.Background(), PermissionDenied)
	ok, err := d.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, p.calls)
}

func TestDispatcher_RequestPermissionError(t *testing.T) {
	p := &fakePrompter{err: errors.New("prompt gone")}
	d := NewDispatcher("u1", 0, DispatcherDeps{Alerts: &fakeAlerts{}, Prompter: p, Log: zerolog.Nop()})
	_, err := d.RequestPermission(context.Background())
	require.Error(t, err)
	assert.Equal(t, PermissionDefault, d.Permission())
}

func seedNotification(t *testing.T, d *Dispatcher, id string) domain.Notification {
	t.Helper()
	now := time.Now().UTC().Add(-time.Minute)
	n := domain.Notification{ID: id, UserID: d.UserID, Title: "t", Message: "m", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, d.db.Create(&n).Error)
	d.cache.MergeRemote(domain.TableNotifications, d.UserID, []domain.Entity{n})
	return n
}

func cachedNotification(t *testing.T, d *Dispatcher, id string) domain.Notification {
	t.Helper()
	e, ok := d.cache.Find(domain.TableNotifications, d.UserID, func(e cache.Entry) bool { return e.Value.EntityID() == id })
	require.True(t, ok)
	return e.Value.(domain.Notification)
}

func TestDispatcher_MarkRead(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	ctx := context.Background()
	n := seedNotification(t, d, "n1")
	d.LoadUnread(ctx, []domain.Notification{n})
	assert.Equal(t, 1, a.lastBadge().Unread)

	require.NoError(t, d.MarkRead(ctx, "n1"))
	assert.Zero(t, a.lastBadge().Unread)
	assert.True(t, cachedNotification(t, d, "n1").IsRead)

	var stored domain.Notification
	require.NoError(t, d.db.First(&stored, "id = ?", "n1").Error)
	assert.True(t, stored.IsRead)

	assert.ErrorIs(t, d.MarkRead(ctx, "missing"), ErrNotificationNotFound)
}

func TestDispatcher_MarkReadKeepsLocalFlipOnStoreError(t *testing.T) {
	d, _ := newTestDispatcher(t, 0)
	ctx := context.Background()
	seedNotification(t, d, "n1")

	sqlDB, err := d.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	require.NoError(t, d.MarkRead(ctx, "n1"))
	e, ok := d.cache.Find(domain.TableNotifications, d.UserID, func(e cache.Entry) bool { return e.Key == "n1" })
	require.True(t, ok)
	assert.True(t, e.Value.(domain.Notification).IsRead)
	assert.False(t, e.Pending)
}

func TestDispatcher_MarkAllRead(t *testing.T) {
	d, a := newTestDispatcher(t, 0)
	ctx := context.Background()
	n1 := seedNotification(t, d, "n1")
	n2 := seedNotification(t, d, "n2")
	d.LoadUnread(ctx, []domain.Notification{n1, n2})

	count, err := d.MarkAllRead(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	assert.Zero(t, a.lastBadge().Unread)
	assert.True(t, cachedNotification(t, d, "n1").IsRead)
	assert.True(t, cachedNotification(t, d, "n2").IsRead)
}
