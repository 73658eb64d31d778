package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-realtime-coordinator/internal/utils"
)

// SupportMessageRequest posts to a support conversation.
type SupportMessageRequest struct {
	Content string `json:"content" binding:"required" example:"We have refunded your order."`
}

// SendGiftRequest sends a gift on a live stream.
type SendGiftRequest struct {
	RecipientID string `json:"recipient_id" binding:"required" example:"streamer42"`
	Kind        string `json:"kind"         binding:"required" example:"rose"`
	Amount      int    `json:"amount"       binding:"required,gt=0" example:"5"`
}

// SupportHistory godoc
// @ID          supportHistory
// @Summary     List a support conversation
// @Description Returns the latest messages, oldest first. Customers see only the conversation they opened; support staff see every conversation.
// @Tags        Support
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       chat       path    string  true  "Support conversation ID"
// @Param       limit      query   int     false "Max messages (1..100)"  default(100)
// @Success     200  {array}  domain.SupportMessage
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found or not yours"
// @Router      /support/{chat}/messages [get]
func (h *Handlers) SupportHistory(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), utils.MaxPageSize)
	rows, err := h.inbox.SupportHistory(c.Request.Context(), userID(c), c.Param("chat"), limit)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, rows)
}

// SendSupportMessage godoc
// @ID          sendSupportMessage
// @Summary     Post a support message
// @Description A customer's first message opens the conversation for them. Messages from support staff reach the customer as inbox notifications; customer messages reach staff views scoped to the conversation.
// @Tags        Support
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       chat       path    string  true  "Support conversation ID"
// @Param       body       body    handlers.SupportMessageRequest  true  "Message"
// @Success     201  {object} domain.SupportMessage
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found or not yours"
// @Router      /support/{chat}/messages [post]
func (h *Handlers) SendSupportMessage(c *gin.Context) {
	var req SupportMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "non-empty content is required")
		return
	}
	msg, err := h.inbox.SendSupportMessage(c.Request.Context(), userID(c), c.Param("chat"), req.Content)
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusCreated, msg)
}

// SendGift godoc
// @ID          sendGift
// @Summary     Send a gift on a stream
// @Tags        Support
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "Stream ID"
// @Param       body       body    handlers.SendGiftRequest  true  "Gift"
// @Success     201  {object} domain.Gift
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /streams/{id}/gifts [post]
func (h *Handlers) SendGift(c *gin.Context) {
	var req SendGiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "recipient_id, kind and a positive amount are required")
		return
	}
	g, err := h.inbox.SendGift(c.Request.Context(), userID(c), c.Param("id"), strings.TrimSpace(req.RecipientID), strings.TrimSpace(req.Kind), req.Amount)
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusCreated, g)
}
