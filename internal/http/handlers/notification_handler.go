package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// ListNotificationsResponse is one page of the caller's inbox.
type ListNotificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Unread        int64                 `json:"unread"`
	Pagination    Pagination            `json:"pagination"`
}

// PermissionRequestResponse reports whether the browser granted
// notification permission.
type PermissionRequestResponse struct {
	Granted bool `json:"granted"`
}

// PermissionAnswer is the browser's permission state.
type PermissionAnswer struct {
	State string `json:"state" binding:"required,oneof=default granted denied" example:"granted"`
}

// MarkAllReadResponse reports how many notifications were marked read.
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

// ListNotifications godoc
// @ID          listNotifications
// @Summary     List notifications (paginated)
// @Description Returns the caller's inbox, newest first. Supports weak ETag via If-None-Match.
// @Tags        Notifications
// @Produce     json
// @Param       X-User-ID      header  string  false "User ID (development mode)"  example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListNotificationsResponse
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /notifications [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	uid := userID(c)
	page, pageSize := clampPagination(c)
	res, err := h.inbox.ListNotifications(c.Request.Context(), uid, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	var ts int64
	if res.MaxUpdatedAt != nil {
		ts = res.MaxUpdatedAt.UnixNano()
	}
	if notModified(c, fmt.Sprintf(`W/"notifications:%s:%d:%d:%d:%d"`, uid, res.Count, ts, page, pageSize)) {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, ListNotificationsResponse{
		Notifications: res.Items,
		Unread:        res.Unread,
		Pagination:    paginate(page, pageSize, res.Total),
	})
}

// RequestPermission godoc
// @ID          requestPermission
// @Summary     Ask for notification permission
// @Description Emits a permission_request event on the view's stream and waits for the answer, unless the browser already answered.
// @Tags        Notifications
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Success     200  {object} handlers.PermissionRequestResponse
// @Failure     404  {object} handlers.ErrorResponse "View not found"
// @Failure     504  {object} handlers.ErrorResponse "No answer in time"
// @Router      /views/{id}/permission/request [post]
func (h *Handlers) RequestPermission(c *gin.Context) {
	granted, err := h.views.RequestPermission(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, PermissionRequestResponse{Granted: granted})
}

// AnswerPermission godoc
// @ID          answerPermission
// @Summary     Report notification permission
// @Tags        Notifications
// @Accept      json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Param       body       body    handlers.PermissionAnswer  true  "Permission state"
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "View not found"
// @Router      /views/{id}/permission [put]
func (h *Handlers) AnswerPermission(c *gin.Context) {
	var req PermissionAnswer
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "state must be default, granted or denied")
		return
	}
	if err := h.views.AnswerPermission(c.Request.Context(), userID(c), c.Param("id"), req.State); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// MarkRead godoc
// @ID          markNotificationRead
// @Summary     Mark a notification read
// @Tags        Notifications
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Param       nid        path    string  true  "Notification ID"
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "View or notification not found"
// @Router      /views/{id}/notifications/{nid}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	nid := strings.TrimSpace(c.Param("nid"))
	if err := h.views.MarkRead(c.Request.Context(), userID(c), c.Param("id"), nid); err != nil {
		failService(c, err, ErrCodeReadFailed)
		return
	}
	noContent(c)
}

// MarkAllRead godoc
// @ID          markAllNotificationsRead
// @Summary     Mark every notification read
// @Tags        Notifications
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Success     200  {object} handlers.MarkAllReadResponse
// @Failure     404  {object} handlers.ErrorResponse "View not found"
// @Router      /views/{id}/notifications/read-all [post]
func (h *Handlers) MarkAllRead(c *gin.Context) {
	n, err := h.views.MarkAllRead(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failService(c, err, ErrCodeReadFailed)
		return
	}
	ok(c, http.StatusOK, MarkAllReadResponse{Updated: n})
}
