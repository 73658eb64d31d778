package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// SendMessageRequest posts a chat message through a view.
type SendMessageRequest struct {
	ChatID  string `json:"chat_id" binding:"required" example:"2b1e0c3a-8a8f-4b6a-9f3e-7b1d2c3a4b5c"`
	Content string `json:"content" binding:"required" example:"Is my order shipped?"`
}

// SendMessageResponse carries the stored message and the temporary id its
// optimistic cache entry was created under.
type SendMessageResponse struct {
	Message *domain.Message `json:"message"`
	TempID  string          `json:"temp_id"`
}

// AddCommentRequest posts a comment through a view.
type AddCommentRequest struct {
	PostID string `json:"post_id" binding:"required" example:"0c2a4f7e-5d7b-4b8a-9a3c-1e2f3a4b5c6d"`
	Body   string `json:"body"    binding:"required" example:"Nice shot!"`
}

// AddCommentResponse carries the stored comment and its temporary id.
type AddCommentResponse struct {
	Comment *domain.Comment `json:"comment"`
	TempID  string          `json:"temp_id"`
}

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a chat message
// @Description Inserts the message into the view's cache as pending, stores it, and settles the cache entry. On failure the pending entry is removed.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Param       body       body    handlers.SendMessageRequest  true  "Message"
// @Success     201  {object} handlers.SendMessageResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "View or chat not found"
// @Failure     410  {object} handlers.ErrorResponse "View closed"
// @Failure     503  {object} handlers.ErrorResponse "Rolled back, retry later"
// @Router      /views/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id and non-empty content are required")
		return
	}
	msg, tempID, err := h.views.SendMessage(c.Request.Context(), userID(c), c.Param("id"), strings.TrimSpace(req.ChatID), req.Content)
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusCreated, SendMessageResponse{Message: msg, TempID: tempID})
}

// AddComment godoc
// @ID          addComment
// @Summary     Comment on a post
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Param       body       body    handlers.AddCommentRequest  true  "Comment"
// @Success     201  {object} handlers.AddCommentResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "View or post not found"
// @Failure     410  {object} handlers.ErrorResponse "View closed"
// @Router      /views/{id}/comments [post]
func (h *Handlers) AddComment(c *gin.Context) {
	var req AddCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "post_id and non-empty body are required")
		return
	}
	cm, tempID, err := h.views.AddComment(c.Request.Context(), userID(c), c.Param("id"), strings.TrimSpace(req.PostID), req.Body)
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusCreated, AddCommentResponse{Comment: cm, TempID: tempID})
}
