package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-realtime-coordinator/internal/feed"
	"github.com/tbourn/go-realtime-coordinator/internal/http/middleware"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

// ---------- test DB + wiring ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// idemRepo is the repo-backed IdempotencyStore, as the router wires it.
type idemRepo struct{ db *gorm.DB }

func (s idemRepo) Lookup(ctx context.Context, userID, scopeKey, key string, now time.Time) (IdempotentResult, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scopeKey, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return IdempotentResult{}, false, nil
	}
	if err != nil {
		return IdempotentResult{}, false, err
	}
	return IdempotentResult{ResultID: rec.ResultID, Body: rec.Response}, true, nil
}

func (s idemRepo) Record(ctx context.Context, userID, scopeKey, key string, res IdempotentResult, status int, ttl time.Duration) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scopeKey, key, res.ResultID, res.Body, status, ttl)
	return err
}

type fixture struct {
	db    *gorm.DB
	views *services.ViewService
	r     *gin.Engine
}

// newFixture wires real services over a private database and mounts every
// route the way the router does, minus the ambient middleware.
func newFixture(t *testing.T, cfg services.ViewConfig, staff ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlerDB(t)
	broker := feed.NewBroker()
	t.Cleanup(broker.Close)
	if err := feed.Attach(db, broker); err != nil {
		t.Fatalf("attach feed: %v", err)
	}

	log := zerolog.Nop()
	msgs := &services.MessageService{DB: db, MaxContentRunes: 200}
	vs := services.NewViewService(db, broker,
		services.NewReactionService(db, log, nil),
		msgs,
		&services.CheckoutPoller{DB: db, Interval: 5 * time.Millisecond, MaxDuration: time.Second, Log: log},
		cfg, log, nil)
	vs.Staff = services.NewStaffSet(staff)
	t.Cleanup(vs.CloseAll)

	store := idemRepo{db: db}
	h := New(Deps{
		Chats:       services.NewChatService(db),
		Messages:    msgs,
		Views:       vs,
		Inbox:       &services.InboxService{DB: db, MaxContentRunes: 200, Staff: vs.Staff},
		Idempotency: store,
		Heartbeat:   20 * time.Millisecond,
	})

	r := gin.New()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
		func(ctx context.Context, userID, scopeKey, key string, now time.Time) (bool, error) {
			_, found, err := store.Lookup(ctx, userID, scopeKey, key, now)
			return found, err
		}))
	h.Register(r.Group(""))
	return &fixture{db: db, views: vs, r: r}
}

// do sends a JSON request as userID and returns the recorder.
func (f *fixture) do(t *testing.T, method, path, userID string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

// openView opens a view for userID over HTTP and returns its id.
func (f *fixture) openView(t *testing.T, userID string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/views", userID, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("open view: %d %s", w.Code, w.Body.String())
	}
	var resp OpenViewResponse
	decode(t, w, &resp)
	return resp.ViewID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e ErrorResponse
	decode(t, w, &e)
	return e.Code
}
