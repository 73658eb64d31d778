package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

func TestChatsStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := ChatsStats(context.Background(), db, "u1"); err == nil {
		t.Fatalf("expected error due to missing chats table")
	}
}

func TestChatsStats_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.Chat{})
	count, maxAt, err := ChatsStats(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("ChatsStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestChatsStats_CountAndLatest(t *testing.T) {
	db := newTestDB(t, &domain.Chat{})
	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(3 * time.Hour)
	_ = db.Create(&domain.Chat{ID: "a", UserID: "u1", Title: "a", CreatedAt: t1, UpdatedAt: t2}).Error
	_ = db.Create(&domain.Chat{ID: "b", UserID: "u1", Title: "b", CreatedAt: t1, UpdatedAt: t1}).Error
	_ = db.Create(&domain.Chat{ID: "c", UserID: "u2", Title: "c", CreatedAt: t1, UpdatedAt: t2.Add(time.Hour)}).Error

	count, maxAt, err := ChatsStats(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("ChatsStats: %v", err)
	}
	if count != 2 || maxAt == nil || !maxAt.Equal(t2) {
		t.Fatalf("expected (2, %v), got (%d, %v)", t2, count, maxAt)
	}
}

func TestNotificationsStats_ChangesOnRead(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	_ = CreateNotification(ctx, db, &domain.Notification{ID: "n1", UserID: "u1", Title: "t", Message: "m", CreatedAt: past})

	c1, at1, err := NotificationsStats(ctx, db, "u1")
	if err != nil || c1 != 1 || at1 == nil {
		t.Fatalf("NotificationsStats = %d, %v, %v", c1, at1, err)
	}
	if _, err := MarkNotificationRead(ctx, db, "n1", "u1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	_, at2, _ := NotificationsStats(ctx, db, "u1")
	if at2 == nil || !at2.After(*at1) {
		t.Fatalf("expected updated_at to advance, %v -> %v", at1, at2)
	}
}
