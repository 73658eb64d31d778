// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by every endpoint: the error
// envelope, the mapping from service errors to statuses, and the success
// writers.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "view not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-realtime-coordinator/internal/http/middleware"
	"github.com/tbourn/go-realtime-coordinator/internal/realtime"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"view not found"`
}

// fail aborts the request with the error envelope. 5xx responses are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failService maps a service error to its status and code. Errors without a
// mapping are reported as 500 with fallbackCode.
func failService(c *gin.Context, err error, fallbackCode string) {
	var transient *services.TransientError
	switch {
	case errors.Is(err, services.ErrViewClosed):
		fail(c, http.StatusGone, ErrCodeViewClosed, err.Error())
	case errors.Is(err, services.ErrViewNotFound),
		errors.Is(err, services.ErrChatNotFound),
		errors.Is(err, services.ErrPostNotFound),
		errors.Is(err, services.ErrNotificationNotFound),
		errors.Is(err, services.ErrCheckoutNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrEmptyContent),
		errors.Is(err, services.ErrTooLong),
		errors.Is(err, services.ErrInvalidEmoji),
		errors.Is(err, services.ErrInvalidTarget),
		errors.Is(err, services.ErrUnknownEntity),
		errors.Is(err, services.ErrInvalidPermission),
		errors.Is(err, services.ErrInvalidGift),
		errors.Is(err, realtime.ErrEmptyScope):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrPromptTimeout):
		fail(c, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.As(err, &transient), errors.Is(err, services.ErrReactionFailed):
		// Rolled back; the view also got a dismissible notice.
		fail(c, http.StatusServiceUnavailable, ErrCodeTransientFail, err.Error())
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
