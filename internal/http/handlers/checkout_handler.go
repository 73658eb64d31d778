package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WatchCheckoutResponse acknowledges a running checkout watch.
type WatchCheckoutResponse struct {
	SessionID string `json:"session_id" example:"cs_test_a1b2c3"`
	// Status is the last observed status; empty before the first poll.
	Status string `json:"status,omitempty" example:"open"`
}

// WatchCheckout godoc
// @ID          watchCheckout
// @Summary     Watch a checkout session
// @Description Polls the session until it is paid, failed, expired or canceled, the watch times out, or the view closes. Progress arrives as checkout_status events. Watching an already watched session returns the running watch.
// @Tags        Checkout
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       id         path    string  true  "View ID"
// @Param       sid        path    string  true  "Checkout session ID"
// @Success     202  {object} handlers.WatchCheckoutResponse
// @Failure     404  {object} handlers.ErrorResponse "View or session not found"
// @Failure     410  {object} handlers.ErrorResponse "View closed"
// @Router      /views/{id}/checkouts/{sid}/watch [post]
func (h *Handlers) WatchCheckout(c *gin.Context) {
	sid := c.Param("sid")
	t, err := h.views.WatchCheckout(c.Request.Context(), userID(c), c.Param("id"), sid)
	if err != nil {
		failService(c, err, ErrCodeWatchFailed)
		return
	}
	status, _ := t.Result()
	ok(c, http.StatusAccepted, WatchCheckoutResponse{SessionID: sid, Status: status})
}
