package feed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

func TestDecodeNotification(t *testing.T) {
	ev, truncated, err := DecodeNotification(`{"table":"reactions","op":"delete","row":{"id":"r1","target_type":"post","target_id":"p1","user_id":"u1","emoji":"❤️","created_at":"2025-01-01T10:00:00+00:00","updated_at":"2025-01-01T10:00:00+00:00"}}`)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, domain.TableReactions, ev.Table)
	assert.Equal(t, domain.OpDelete, ev.Op)
	rr, ok := ev.Row.(domain.ReactionRow)
	require.True(t, ok)
	assert.Equal(t, "u1|post|p1", rr.MatchKey())

	_, _, err = DecodeNotification(`{"table":"reactions","op":"truncate","row":{}}`)
	assert.Error(t, err)
	_, _, err = DecodeNotification(`{"table":"users","op":"insert","row":{}}`)
	assert.ErrorIs(t, err, domain.ErrUnknownTable)
	_, _, err = DecodeNotification(`not json`)
	assert.Error(t, err)
}

func TestDecodeNotification_Truncated(t *testing.T) {
	ev, truncated, err := DecodeNotification(`{"table":"posts","op":"update","truncated":true,"row":{"id":"p1","community_id":"c1","author_id":"u1"}}`)
	require.NoError(t, err)
	assert.True(t, truncated)
	pr, ok := ev.Row.(domain.PostRow)
	require.True(t, ok)
	assert.Equal(t, "p1", pr.ID)
	assert.Empty(t, pr.Body)
}

const truncatedNotification = `{"table":"notifications","op":"update","truncated":true,"row":{"id":"n1","user_id":"u1","is_read":true}}`

func TestPGListener_TruncatedRowIsReloaded(t *testing.T) {
	b := NewBroker()
	ch, err := b.Subscribe(context.Background(), Filter{Table: domain.TableNotifications, Column: "user_id", Value: "u1"})
	require.NoError(t, err)
	defer ch.Close()

	var asked []string
	l := NewPGListener("", b, zerolog.Nop())
	l.Reload = func(_ context.Context, table, id string) (domain.Row, error) {
		asked = append(asked, table+"/"+id)
		return domain.NotificationRow{Notification: domain.Notification{ID: id, UserID: "u1", Title: "t", Message: "full body", IsRead: true}}, nil
	}
	l.handle(context.Background(), truncatedNotification)

	ev := recv(t, ch)
	assert.Equal(t, []string{"notifications/n1"}, asked)
	assert.Equal(t, domain.OpUpdate, ev.Op)
	assert.Equal(t, "full body", ev.Row.(domain.NotificationRow).Message)
}

func TestPGListener_TruncatedRowDroppedWithoutReload(t *testing.T) {
	b := NewBroker()
	ch, err := b.Subscribe(context.Background(), Filter{Table: domain.TableNotifications, Column: "user_id", Value: "u1"})
	require.NoError(t, err)
	defer ch.Close()

	l := NewPGListener("", b, zerolog.Nop())
	l.handle(context.Background(), truncatedNotification)

	l.Reload = func(context.Context, string, string) (domain.Row, error) { return nil, assert.AnError }
	l.handle(context.Background(), truncatedNotification)

	// Deletes only need keys and go through untouched.
	l.handle(context.Background(), `{"table":"notifications","op":"delete","truncated":true,"row":{"id":"n2","user_id":"u1"}}`)

	ev := recv(t, ch)
	assert.Equal(t, domain.OpDelete, ev.Op)
	assert.Equal(t, "n2", ev.Row.(domain.NotificationRow).ID)
}

func TestPGListener_HandleAndDisconnect(t *testing.T) {
	b := NewBroker()
	ch, err := b.Subscribe(context.Background(), Filter{Table: domain.TableNotifications, Column: "user_id", Value: "u1"})
	require.NoError(t, err)
	defer ch.Close()

	l := NewPGListener("", b, zerolog.Nop())
	l.handle(context.Background(), `{"table":"notifications","op":"insert","row":{"id":"n1","user_id":"u1","title":"t","message":"m","is_read":false}}`)
	l.handle(context.Background(), `garbage`)

	ev := recv(t, ch)
	assert.Equal(t, "n1", ev.Row.(domain.NotificationRow).ID)

	l.onEvent(pq.ListenerEventDisconnected, assert.AnError)
	select {
	case err := <-ch.Err():
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("expected disconnect error")
	}
}

// Requires a reachable PostgreSQL with the migrations applied.
func TestPGListener_Run(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	b := NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewPGListener(dsn, b, zerolog.Nop()).Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

func TestReloadFrom_RejectsUnknownTable(t *testing.T) {
	db := newHookDB(t, &capture{})
	_, err := ReloadFrom(db)(context.Background(), "users; DROP TABLE posts", "x")
	assert.ErrorIs(t, err, domain.ErrUnknownTable)
}
