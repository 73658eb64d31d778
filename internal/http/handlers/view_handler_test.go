package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

// streamRecorder adds the CloseNotifier gin's Stream requires.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func TestOpenAndCloseView(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	require.NoError(t, repo.CreateNotification(context.Background(), f.db,
		&domain.Notification{UserID: "u1", Title: "hi", Message: "there"}))

	w := f.do(t, http.MethodPost, "/views", "u1", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp OpenViewResponse
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.ViewID)
	assert.Equal(t, 1, resp.Badge.Unread)
	assert.Equal(t, 1, f.views.Len())

	// Views are private to their owner.
	w = f.do(t, http.MethodDelete, "/views/"+resp.ViewID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/views/"+resp.ViewID, "u1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, f.views.Len())

	w = f.do(t, http.MethodGet, "/views/"+resp.ViewID+"/snapshot/notifications", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetScopeAndSnapshot(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	require.NoError(t, f.db.Create(&domain.Post{ID: "p1", CommunityID: "k1", AuthorID: "a", Body: "hello"}).Error)
	vid := f.openView(t, "u1")

	w := f.do(t, http.MethodPut, "/views/"+vid+"/scopes/posts", "u1", SetScopeRequest{ScopeKey: "k1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var scoped SnapshotResponse
	decode(t, w, &scoped)
	assert.Equal(t, "k1", scoped.Scope)
	require.Len(t, scoped.Entries, 1)
	assert.Equal(t, "p1", scoped.Entries[0].Key)

	w = f.do(t, http.MethodGet, "/views/"+vid+"/snapshot/posts", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	assert.True(t, strings.HasPrefix(etag, `W/"snapshot:`+vid+`:posts:k1:1:0:`), etag)

	w = f.do(t, http.MethodGet, "/views/"+vid+"/snapshot/posts", "u1", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	// A collection without a scope is empty, an unknown one is rejected.
	w = f.do(t, http.MethodGet, "/views/"+vid+"/snapshot/comments", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var empty SnapshotResponse
	decode(t, w, &empty)
	assert.Empty(t, empty.Entries)

	w = f.do(t, http.MethodGet, "/views/"+vid+"/snapshot/widgets", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPut, "/views/"+vid+"/scopes/widgets", "u1", SetScopeRequest{ScopeKey: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPut, "/views/"+vid+"/scopes/posts", "u1", SetScopeRequest{ScopeKey: " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFocus(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	vid := f.openView(t, "u1")

	w := f.do(t, http.MethodPut, "/views/"+vid+"/focus", "u1", FocusRequest{ChatID: "c1"})
	require.Equal(t, http.StatusNoContent, w.Code)
	v, err := f.views.Get("u1", vid)
	require.NoError(t, err)
	assert.Equal(t, "c1", v.Focused())

	w = f.do(t, http.MethodPut, "/views/"+vid+"/focus", "u1", FocusRequest{})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, v.Focused())
}

func TestEvents_StreamsReadyQueuedAndPing(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	vid := f.openView(t, "u1")
	v, err := f.views.Get("u1", vid)
	require.NoError(t, err)
	require.NoError(t, v.Emit(services.EventToast, services.Toast{Title: "queued"}))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/views/"+vid+"/events", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "u1")
	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	f.r.ServeHTTP(w, req)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event:ready")
	assert.Contains(t, body, vid)
	assert.Contains(t, body, "event:toast")
	assert.Contains(t, body, "queued")
	assert.Contains(t, body, "event:ping")
	assert.Less(t, strings.Index(body, "event:ready"), strings.Index(body, "event:toast"))
}

func TestEvents_EndsWhenViewCloses(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	vid := f.openView(t, "u1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = f.views.Close("u1", vid)
	}()
	req := httptest.NewRequest(http.MethodGet, "/views/"+vid+"/events", nil)
	req.Header.Set("X-User-ID", "u1")
	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}

	done := make(chan struct{})
	go func() {
		f.r.ServeHTTP(w, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end with the view")
	}
	assert.Contains(t, w.Body.String(), "event:closed")
}

func TestEvents_UnknownView(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	w := f.do(t, http.MethodGet, "/views/nope/events", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, errCode(t, w))
}
