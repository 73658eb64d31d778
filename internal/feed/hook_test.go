package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
)

type capture struct {
	mu  sync.Mutex
	evs []domain.RowEvent
}

func (c *capture) Publish(ev domain.RowEvent) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *capture) all() []domain.RowEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.RowEvent(nil), c.evs...)
}

func newHookDB(t *testing.T, pub Publisher) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:feed_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Message{}, &domain.Reaction{}, &domain.Notification{}, &domain.Chat{}))
	require.NoError(t, Attach(db, pub))
	return db
}

func TestAttach_PublishesTypedRows(t *testing.T) {
	sink := &capture{}
	db := newHookDB(t, sink)

	r := &domain.Reaction{ID: "r1", TargetType: domain.TargetPost, TargetID: "p1", UserID: "u1", Emoji: "❤️"}
	require.NoError(t, db.Create(r).Error)
	r.Emoji = "👍"
	require.NoError(t, db.Save(r).Error)
	require.NoError(t, db.Delete(r).Error)

	evs := sink.all()
	require.Len(t, evs, 3)
	ops := []domain.Op{evs[0].Op, evs[1].Op, evs[2].Op}
	assert.Equal(t, []domain.Op{domain.OpInsert, domain.OpUpdate, domain.OpDelete}, ops)
	for _, ev := range evs {
		assert.Equal(t, domain.TableReactions, ev.Table)
		rr, ok := ev.Row.(domain.ReactionRow)
		require.True(t, ok)
		assert.Equal(t, "r1", rr.ID)
	}
	assert.Equal(t, "👍", evs[1].Row.(domain.ReactionRow).Emoji)
}

func TestAttach_SkipsFailedAndUnmappedWrites(t *testing.T) {
	sink := &capture{}
	db := newHookDB(t, sink)

	require.NoError(t, db.Create(&domain.Chat{ID: "c1", UserID: "u1", Title: "t"}).Error)

	r := domain.Reaction{ID: "r1", TargetType: domain.TargetPost, TargetID: "p1", UserID: "u1", Emoji: "x"}
	require.NoError(t, db.Create(&r).Error)
	dup := r
	dup.ID = "r2"
	require.Error(t, db.Create(&dup).Error)

	// Column updates carry no typed row.
	require.NoError(t, db.Model(&domain.Reaction{}).Where("id = ?", "r1").Update("emoji", "y").Error)

	evs := sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "r1", evs[0].Row.(domain.ReactionRow).ID)
}

func TestAttach_InjectedErrorSuppressesEvent(t *testing.T) {
	sink := &capture{}
	db := newHookDB(t, sink)
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail", func(tx *gorm.DB) {
		_ = tx.AddError(errors.New("injected"))
	}))

	err := db.Create(&domain.Message{ID: "m1", ChatID: "c1", SenderID: "u1", Content: "x"}).Error
	require.Error(t, err)
	assert.Empty(t, sink.all())
}

func TestAttach_SliceCreatePublishesEachRow(t *testing.T) {
	sink := &capture{}
	db := newHookDB(t, sink)
	rows := []domain.Notification{
		{ID: "n1", UserID: "u1", Title: "a", Message: "a"},
		{ID: "n2", UserID: "u1", Title: "b", Message: "b"},
	}
	require.NoError(t, db.Create(&rows).Error)
	evs := sink.all()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.TableNotifications, evs[0].Table)
	assert.Equal(t, "n2", evs[1].Row.(domain.NotificationRow).ID)
}

func TestAttach_IntoBroker(t *testing.T) {
	b := NewBroker()
	db := newHookDB(t, b)
	ch, err := b.Subscribe(context.Background(), Filter{Table: domain.TableMessages, Column: "chat_id", Value: "c1"})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, db.Create(&domain.Message{ID: "m1", ChatID: "c1", SenderID: "u1", Content: "hi"}).Error)
	require.NoError(t, db.Create(&domain.Message{ID: "m2", ChatID: "c2", SenderID: "u1", Content: "hi"}).Error)

	ev := recv(t, ch)
	assert.Equal(t, "m1", ev.Row.(domain.MessageRow).ID)
}

func TestAttach_ReadFlipsPublishFullRows(t *testing.T) {
	sink := &capture{}
	db := newHookDB(t, sink)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, repo.CreateNotification(ctx, db, &domain.Notification{ID: id, UserID: "u1", Title: "t", Message: "body " + id}))
	}
	before := len(sink.all())

	_, err := repo.MarkNotificationRead(ctx, db, "n1", "u1")
	require.NoError(t, err)
	changed, err := repo.MarkAllNotificationsRead(ctx, db, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)

	evs := sink.all()[before:]
	require.Len(t, evs, 3)
	seen := map[string]bool{}
	for _, ev := range evs {
		assert.Equal(t, domain.OpUpdate, ev.Op)
		nr, ok := ev.Row.(domain.NotificationRow)
		require.True(t, ok)
		assert.True(t, nr.IsRead)
		assert.Equal(t, "body "+nr.ID, nr.Message)
		seen[nr.ID] = true
	}
	assert.Len(t, seen, 3)

	// Nothing left to flip, nothing published.
	changed, err = repo.MarkAllNotificationsRead(ctx, db, "u1")
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Len(t, sink.all(), before+3)
}
