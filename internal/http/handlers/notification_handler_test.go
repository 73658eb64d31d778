package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

func seedNotifications(t *testing.T, f *fixture, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, repo.CreateNotification(context.Background(), f.db,
			&domain.Notification{UserID: userID, Title: "order shipped", Message: "on its way"}))
	}
}

func TestListNotifications_PageAndETag(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	seedNotifications(t, f, "u1", 3)
	seedNotifications(t, f, "u2", 1)

	w := f.do(t, http.MethodGet, "/notifications?page_size=2", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp ListNotificationsResponse
	decode(t, w, &resp)
	assert.Len(t, resp.Notifications, 2)
	assert.EqualValues(t, 3, resp.Pagination.Total)
	assert.EqualValues(t, 3, resp.Unread)

	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	w = f.do(t, http.MethodGet, "/notifications?page_size=2", "u1", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	seedNotifications(t, f, "u1", 1)
	w = f.do(t, http.MethodGet, "/notifications?page_size=2", "u1", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMarkReadAndReadAll(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	seedNotifications(t, f, "u1", 3)
	vid := f.openView(t, "u1")

	w := f.do(t, http.MethodGet, "/views/"+vid+"/snapshot/notifications", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap SnapshotResponse
	decode(t, w, &snap)
	require.Len(t, snap.Entries, 3)

	w = f.do(t, http.MethodPost, "/views/"+vid+"/notifications/"+snap.Entries[0].Key+"/read", "u1", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/views/"+vid+"/notifications/missing/read", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/views/"+vid+"/notifications/read-all", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all MarkAllReadResponse
	decode(t, w, &all)
	assert.EqualValues(t, 2, all.Updated)

	unread, err := repo.CountUnread(context.Background(), f.db, "u1")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestPermission_AnswerThenRequest(t *testing.T) {
	f := newFixture(t, services.ViewConfig{PromptTimeout: time.Second})
	vid := f.openView(t, "u1")

	w := f.do(t, http.MethodPut, "/views/"+vid+"/permission", "u1", PermissionAnswer{State: "sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/views/"+vid+"/permission", "u1", PermissionAnswer{State: "granted"})
	require.Equal(t, http.StatusNoContent, w.Code)

	// Already answered: no prompt, immediate result.
	w = f.do(t, http.MethodPost, "/views/"+vid+"/permission/request", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp PermissionRequestResponse
	decode(t, w, &resp)
	assert.True(t, resp.Granted)
}

func TestPermission_RequestTimesOut(t *testing.T) {
	f := newFixture(t, services.ViewConfig{PromptTimeout: 20 * time.Millisecond})
	vid := f.openView(t, "u1")

	w := f.do(t, http.MethodPost, "/views/"+vid+"/permission/request", "u1", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, ErrCodeTimeout, errCode(t, w))
}
