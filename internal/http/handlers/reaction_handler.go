package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/http/middleware"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

// ToggleReactionRequest toggles the caller's reaction on a post or comment.
type ToggleReactionRequest struct {
	TargetType string `json:"target_type" binding:"required,oneof=post comment" example:"post"`
	TargetID   string `json:"target_id"   binding:"required" example:"0c2a4f7e-5d7b-4b8a-9a3c-1e2f3a4b5c6d"`
	Emoji      string `json:"emoji"       binding:"required,emoji" example:"👍"`
}

// ToggleReactionResponse is the state the toggle converged to.
type ToggleReactionResponse struct {
	services.ToggleResult
	// Replayed is set when the Idempotency-Key was already used.
	Replayed bool `json:"replayed,omitempty"`
}

// ToggleReaction godoc
// @ID          toggleReaction
// @Summary     Toggle a reaction
// @Description Adds, switches, or removes the caller's reaction. The view cache is updated optimistically and rolled back on failure. A repeated Idempotency-Key returns the recorded outcome without toggling again.
// @Tags        Reactions
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  false "User ID (development mode)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Deduplicates retried toggles"
// @Param       id               path    string  true  "View ID"
// @Param       body             body    handlers.ToggleReactionRequest  true  "Toggle payload"
// @Success     200  {object} handlers.ToggleReactionResponse
// @Header      200  {string} Idempotency-Replayed "true when the outcome was replayed"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "View or target not found"
// @Failure     410  {object} handlers.ErrorResponse "View closed"
// @Failure     503  {object} handlers.ErrorResponse "Rolled back, retry later"
// @Router      /views/{id}/reactions [post]
func (h *Handlers) ToggleReaction(c *gin.Context) {
	var req ToggleReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "target_type, target_id and a single emoji are required")
		return
	}
	ctx := c.Request.Context()
	uid, viewID := userID(c), c.Param("id")
	key, keyed := middleware.GetIdempotencyKey(c)
	scope := middleware.GetIdempotencyScope(c)

	if keyed && middleware.IsReplay(c) && h.idem != nil {
		rec, found, err := h.idem.Lookup(ctx, uid, scope, key, time.Now().UTC())
		if err == nil && found {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, ToggleReactionResponse{ToggleResult: replayedToggle(rec, req), Replayed: true})
			return
		}
	}

	target := services.ReactionTarget{Type: req.TargetType, ID: strings.TrimSpace(req.TargetID)}
	res, err := h.views.ToggleReaction(ctx, uid, viewID, target, req.Emoji)
	if err != nil {
		failService(c, err, ErrCodeToggleFailed)
		return
	}

	if keyed && h.idem != nil {
		rec := IdempotentResult{}
		if res.State == services.StateReacted && res.Reaction != nil {
			rec.ResultID = res.Reaction.ID
		}
		rec.Body, _ = json.Marshal(res)
		if err := h.idem.Record(ctx, uid, scope, key, rec, http.StatusOK, h.idemTTL); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record failed")
		}
	}
	ok(c, http.StatusOK, ToggleReactionResponse{ToggleResult: res})
}

// replayedToggle rebuilds the recorded outcome. Records without a body
// carry only the reaction id.
func replayedToggle(rec IdempotentResult, req ToggleReactionRequest) services.ToggleResult {
	var res services.ToggleResult
	if len(rec.Body) > 0 && json.Unmarshal(rec.Body, &res) == nil {
		return res
	}
	res = services.ToggleResult{State: services.StateNone}
	if rec.ResultID != "" {
		res.State = services.StateReacted
		res.Reaction = &domain.Reaction{ID: rec.ResultID, TargetType: req.TargetType, TargetID: req.TargetID}
	}
	return res
}

// ReactionSummaryResponse counts a target's reactions by emoji.
type ReactionSummaryResponse struct {
	services.ReactionTarget
	Counts []repo.EmojiCount `json:"counts"`
}

// ReactionSummary godoc
// @ID          reactionSummary
// @Summary     Count reactions on a target
// @Description Returns one entry per emoji, most used first.
// @Tags        Reactions
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (development mode)"  example(user123)
// @Param       type       path    string  true  "Target type"  Enums(post, comment)
// @Param       target     path    string  true  "Target ID"
// @Success     200  {object} handlers.ReactionSummaryResponse
// @Failure     400  {object} handlers.ErrorResponse "Unknown target type"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /reactions/{type}/{target} [get]
func (h *Handlers) ReactionSummary(c *gin.Context) {
	target := services.ReactionTarget{Type: c.Param("type"), ID: c.Param("target")}
	counts, err := h.inbox.ReactionSummary(c.Request.Context(), target)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ReactionSummaryResponse{ReactionTarget: target, Counts: counts})
}
