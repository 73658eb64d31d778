// View HTTP handlers.
//
// A view is the server-held state of one browser tab. Its lifecycle and
// its live collections are exposed as:
//   - POST   /views                         (open)
//   - DELETE /views/{id}                    (close)
//   - PUT    /views/{id}/scopes/{entity}    (subscribe a collection)
//   - PUT    /views/{id}/focus              (focus a chat)
//   - GET    /views/{id}/snapshot/{entity}  (cached collection, ETag support)
//   - GET    /views/{id}/events             (server-sent event stream)
package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-realtime-coordinator/internal/cache"
	"github.com/tbourn/go-realtime-coordinator/internal/http/middleware"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

// OpenViewResponse describes a freshly opened view.
type OpenViewResponse struct {
	ViewID   string         `json:"view_id" example:"9f0c1c2e-3b59-4c1a-9a53-0c7b1f8e1d11"`
	OpenedAt time.Time      `json:"opened_at"`
	Badge    services.Badge `json:"badge"`
}

// SetScopeRequest selects the scope of one collection.
type SetScopeRequest struct {
	// ScopeKey is the community id for posts, the post id for comments, the
	// target id for reactions, and the chat id for messages or support ("all"
	// subscribes staff to every support conversation).
	ScopeKey string `json:"scope_key" binding:"required" example:"community-7"`
}

// FocusRequest sets the chat the user is looking at. An empty chat id
// clears the focus.
type FocusRequest struct {
	ChatID string `json:"chat_id" example:"2b1e0c3a-8a8f-4b6a-9f3e-7b1d2c3a4b5c"`
}

// SnapshotResponse is a cached collection.
type SnapshotResponse struct {
	Entity  string        `json:"entity" example:"posts"`
	Scope   string        `json:"scope" example:"community-7"`
	Entries []cache.Entry `json:"entries"`
}

// ReadyEvent is the first event of every stream.
type ReadyEvent struct {
	ViewID string         `json:"view_id"`
	Badge  services.Badge `json:"badge"`
}

// OpenView godoc
// @ID          openView
// @Summary     Open a view
// @Description Opens a view for the caller. Notifications are subscribed at once; other collections follow their scope.
// @Tags        Views
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Success     201  {object} handlers.OpenViewResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /views [post]
func (h *Handlers) OpenView(c *gin.Context) {
	v, err := h.views.Open(c.Request.Context(), userID(c))
	if err != nil {
		failService(c, err, ErrCodeCreateFailed)
		return
	}
	middleware.LoggerFrom(c).Info().Str("view_id", v.ID).Msg("view opened")
	ok(c, http.StatusCreated, OpenViewResponse{ViewID: v.ID, OpenedAt: v.OpenedAt, Badge: v.Dispatcher().Badge()})
}

// CloseView godoc
// @ID          closeView
// @Summary     Close a view
// @Description Releases every subscription, cancels running checkout watches, and ends the event stream.
// @Tags        Views
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "View not found"
// @Router      /views/{id} [delete]
func (h *Handlers) CloseView(c *gin.Context) {
	if err := h.views.Close(userID(c), c.Param("id")); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// SetScope godoc
// @ID          setViewScope
// @Summary     Subscribe a collection
// @Description Replaces the collection's subscription and loads its initial contents.
// @Tags        Views
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Param       entity     path    string  true  "Collection"  Enums(posts, comments, messages, reactions, support_messages)
// @Param       body       body    handlers.SetScopeRequest  true  "Scope"
// @Success     200  {object} handlers.SnapshotResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Every support conversation requires support staff"
// @Failure     404  {object} handlers.ErrorResponse "View or conversation not found"
// @Failure     410  {object} handlers.ErrorResponse "View closed"
// @Router      /views/{id}/scopes/{entity} [put]
func (h *Handlers) SetScope(c *gin.Context) {
	var req SetScopeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ScopeKey) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scope_key required")
		return
	}
	entity, scope := c.Param("entity"), strings.TrimSpace(req.ScopeKey)
	entries, err := h.views.SetScope(c.Request.Context(), userID(c), c.Param("id"), entity, scope)
	if err != nil {
		failService(c, err, ErrCodeScopeFailed)
		return
	}
	ok(c, http.StatusOK, SnapshotResponse{Entity: entity, Scope: scope, Entries: entries})
}

// Focus godoc
// @ID          focusChat
// @Summary     Focus a chat
// @Description Marks the chat as being read: its unread counter resets and its messages stop raising alerts.
// @Tags        Views
// @Accept      json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Param       body       body    handlers.FocusRequest  true  "Chat to focus"
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "View not found"
// @Router      /views/{id}/focus [put]
func (h *Handlers) Focus(c *gin.Context) {
	var req FocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if err := h.views.Focus(c.Request.Context(), userID(c), c.Param("id"), strings.TrimSpace(req.ChatID)); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// Snapshot godoc
// @ID          viewSnapshot
// @Summary     Read a cached collection
// @Description Returns the view's reconciled copy of the collection, including pending optimistic entries. Supports weak ETag.
// @Tags        Views
// @Produce     json
// @Param       X-User-ID      header  string  false "User ID (development mode)"  example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       id             path    string  true  "View ID"
// @Param       entity         path    string  true  "Collection"  Enums(posts, comments, messages, reactions, support_messages, notifications)
// @Success     200  {object} handlers.SnapshotResponse
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Unknown collection"
// @Failure     404  {object} handlers.ErrorResponse "View not found"
// @Router      /views/{id}/snapshot/{entity} [get]
func (h *Handlers) Snapshot(c *gin.Context) {
	viewID, entity := c.Param("id"), c.Param("entity")
	entries, scope, err := h.views.Snapshot(userID(c), viewID, entity)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	if notModified(c, snapshotETag(viewID, entity, scope, entries)) {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, SnapshotResponse{Entity: entity, Scope: scope, Entries: entries})
}

func snapshotETag(viewID, entity, scope string, entries []cache.Entry) string {
	var latest int64
	pending := 0
	for _, e := range entries {
		if ts := e.Stamp.UnixNano(); ts > latest {
			latest = ts
		}
		if e.Pending {
			pending++
		}
	}
	return fmt.Sprintf(`W/"snapshot:%s:%s:%s:%d:%d:%d"`, viewID, entity, scope, len(entries), pending, latest)
}

// Events godoc
// @ID          viewEvents
// @Summary     Stream view events
// @Description Server-sent events: ready, snapshot, toast, sound, system_notification, badge, burst, error, live_paused, permission_request, checkout_status, ping, closed.
// @Tags        Views
// @Produce     text/event-stream
// @Param       X-User-ID     header  string  false "User ID (development mode)"  example(user123)
// @Param       access_token  query   string  false "ID token, for clients that cannot set headers"
// @Param       id            path    string  true  "View ID"
// @Success     200  {string} string "event stream"
// @Failure     404  {object} handlers.ErrorResponse "View not found"
// @Failure     410  {object} handlers.ErrorResponse "View closed"
// @Router      /views/{id}/events [get]
func (h *Handlers) Events(c *gin.Context) {
	v, err := h.views.Get(userID(c), c.Param("id"))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	v.Touch()
	c.SSEvent("ready", ReadyEvent{ViewID: v.ID, Badge: v.Dispatcher().Badge()})
	c.Writer.Flush()

	beat := time.NewTicker(h.beat)
	defer beat.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-v.Done():
			c.SSEvent("closed", gin.H{"view_id": v.ID})
			return false
		case ev := <-v.Events():
			v.Touch()
			c.SSEvent(ev.Type, ev)
			return true
		case <-beat.C:
			v.Touch()
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
	middleware.LoggerFrom(c).Debug().Str("view_id", v.ID).Msg("event stream ended")
}
