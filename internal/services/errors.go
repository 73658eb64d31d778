// Package services implements the coordinator's use cases: chats and
// messages, the reaction toggle engine, the per-view notification
// dispatcher, the bounded checkout poll, and the view registry that ties a
// view's subscriptions, cache, and outbox together.
//
// This file centralizes the service-level error values so handlers can map
// them to HTTP results consistently.
package services

import (
	"errors"
	"fmt"
)

// Chat and message errors.
var (
	// ErrChatNotFound indicates that the requested chat does not exist or is not
	// accessible to the current user.
	ErrChatNotFound = errors.New("chat not found")

	// ErrEmptyContent is returned when a message or comment body is empty.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when a message or comment exceeds the configured
	// maximum length.
	ErrTooLong = errors.New("content too long")

	// ErrPostNotFound indicates that a comment targets a missing post.
	ErrPostNotFound = errors.New("post not found")
)

// Reaction errors.
var (
	// ErrInvalidEmoji is returned for an empty, oversized, or whitespace
	// containing emoji.
	ErrInvalidEmoji = errors.New("invalid emoji")

	// ErrInvalidTarget is returned when the reaction target type is not
	// "post" or "comment", or the target id is empty.
	ErrInvalidTarget = errors.New("invalid reaction target")

	// ErrReactionFailed wraps a store rejection of a toggle. The optimistic
	// state has been rolled back when it is returned.
	ErrReactionFailed = errors.New("reaction failed")
)

// View errors.
var (
	// ErrViewNotFound indicates an unknown view id or a view owned by another
	// user.
	ErrViewNotFound = errors.New("view not found")

	// ErrViewClosed is returned for operations on a view that is closing.
	ErrViewClosed = errors.New("view closed")

	// ErrUnknownEntity is returned when a scope is set for an entity type the
	// view cannot subscribe to.
	ErrUnknownEntity = errors.New("unknown entity type")
)

// Support errors.
var (
	// ErrForbidden is returned when a non-staff user asks for every support
	// chat at once.
	ErrForbidden = errors.New("forbidden")
)

// Notification errors.
var (
	// ErrNotificationNotFound indicates the notification does not exist or
	// belongs to another user.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrInvalidPermission is returned for a permission state other than
	// default, granted, or denied.
	ErrInvalidPermission = errors.New("invalid permission state")

	// ErrPromptTimeout is returned when the browser did not answer a
	// permission prompt in time. The state stays "default".
	ErrPromptTimeout = errors.New("permission prompt timed out")
)

// Checkout poll errors.
var (
	// ErrCheckoutNotFound indicates the checkout session is unknown to the
	// current user.
	ErrCheckoutNotFound = errors.New("checkout session not found")

	// ErrPollTimeout is the result of a poll that reached its max duration
	// before the session became terminal.
	ErrPollTimeout = errors.New("checkout poll timed out")

	// ErrPollCancelled is the result of a poll cancelled by its view.
	ErrPollCancelled = errors.New("checkout poll cancelled")
)

// TransientError is a failed optimistic mutation that was rolled back. It is
// reported to the view as a dismissible notice and never retried
// automatically.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }
