// internal/domain/idempotency_test.go
package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotency_Migration_Indexes_AndInsert(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	m := db.Migrator()
	if !m.HasTable(&Idempotency{}) {
		t.Fatalf("expected table %q to exist", Idempotency{}.TableName())
	}
	if !m.HasIndex(&Idempotency{}, "ux_user_scope_key") {
		t.Fatalf("expected composite index ux_user_scope_key to exist")
	}

	now := time.Now().UTC()
	rec := Idempotency{
		ID: "i1", UserID: "u1", ScopeKey: "view-1", Key: "k1",
		ResultID: "r1", Status: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same (user, scope, key) is rejected.
	dup := rec
	dup.ID = "i2"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation on (user_id, scope_key, key)")
	}

	// Same key under another scope is a different request.
	other := rec
	other.ID = "i3"
	other.ScopeKey = "view-2"
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("insert other scope: %v", err)
	}

	// Removal outcomes carry no result id.
	removal := Idempotency{
		ID: "i4", UserID: "u1", ScopeKey: "view-1", Key: "k2",
		Status: 200, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(&removal).Error; err != nil {
		t.Fatalf("insert removal: %v", err)
	}
	var got Idempotency
	if err := db.First(&got, "id = ?", "i4").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ResultID != "" {
		t.Fatalf("expected empty result id, got %q", got.ResultID)
	}
}
