// Package services – ReactionService
//
// ReactionService is the reaction toggle engine. A user holds at most one
// reaction per target: tapping the active emoji removes it, tapping another
// emoji switches the reaction in place. Every toggle is applied to the
// view's cache optimistically, written to the store, then confirmed or
// rolled back.
//
// A unique-key conflict on insert means another tab or device already
// created the reaction; it converges to the requested emoji instead of
// failing. Any other store failure rolls the cache back and surfaces a
// transient notice on the view.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/cache"
	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
)

// MaxEmojiBytes caps the stored emoji length (varchar(32)).
const MaxEmojiBytes = 32

// Toggle transitions.
const (
	TransitionAdd    = "add"
	TransitionRemove = "remove"
	TransitionSwitch = "switch"
)

// Reaction states.
const (
	StateNone    = "none"
	StateReacted = "reacted"
)

// ReactionTarget identifies a reactable post or comment.
type ReactionTarget struct {
	Type string `json:"target_type"`
	ID   string `json:"target_id"`
}

func (t ReactionTarget) valid() bool {
	return (t.Type == domain.TargetPost || t.Type == domain.TargetComment) && strings.TrimSpace(t.ID) != ""
}

// ToggleResult is the state a toggle converged to.
type ToggleResult struct {
	Transition string           `json:"transition"`
	State      string           `json:"state"`
	Emoji      string           `json:"emoji,omitempty"`
	Reaction   *domain.Reaction `json:"reaction,omitempty"`
}

// ReactionSession is the slice of a view the toggle engine works against.
type ReactionSession interface {
	// Active reports whether results may still be applied to the view.
	Active() bool
	Reconciler() *cache.Reconciler
	// Live reports whether the entityType collection for scopeKey is seeded
	// and kept current by the change feed.
	Live(entityType, scopeKey string) bool
	// Burst triggers the reaction animation; fire-and-forget.
	Burst(target ReactionTarget, emoji string)
	// Failed reports a rolled-back mutation to the user.
	Failed(err *TransientError)
}

// ReactionRecorder receives toggle measurements.
type ReactionRecorder interface {
	ReactionToggled(transition, outcome string)
}

// ReactionService toggles reactions for views.
type ReactionService struct {
	DB *gorm.DB

	// CheckFirst looks the user's reaction up before inserting, for stores
	// that cannot report a distinguishable unique-key conflict.
	CheckFirst bool

	Log zerolog.Logger
	Rec ReactionRecorder

	locks keyedMutex
	now   func() time.Time
}

// NewReactionService returns a toggle engine writing to db.
func NewReactionService(db *gorm.DB, log zerolog.Logger, rec ReactionRecorder) *ReactionService {
	return &ReactionService{
		DB:  db,
		Log: log,
		Rec: rec,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeEmoji returns the NFC form of emoji or ErrInvalidEmoji.
func NormalizeEmoji(emoji string) (string, error) {
	e := norm.NFC.String(strings.TrimSpace(emoji))
	if e == "" || len(e) > MaxEmojiBytes || !utf8.ValidString(e) {
		return "", ErrInvalidEmoji
	}
	for _, r := range e {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", ErrInvalidEmoji
		}
	}
	return e, nil
}

// Toggle applies one tap of emoji on target by userID. Toggles of the same
// user on the same target run one at a time.
func (s *ReactionService) Toggle(ctx context.Context, sess ReactionSession, userID string, target ReactionTarget, emoji string) (ToggleResult, error) {
	ctx, span := otel.Tracer("services/ReactionService").Start(ctx, "Toggle",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("target.type", target.Type),
			attribute.String("target.id", target.ID),
		),
	)
	defer span.End()

	if !target.valid() {
		return ToggleResult{}, ErrInvalidTarget
	}
	emoji, err := NormalizeEmoji(emoji)
	if err != nil {
		return ToggleResult{}, err
	}

	unlock := s.locks.lock(userID + "|" + target.Type + "|" + target.ID)
	defer unlock()

	if err := s.refresh(ctx, sess, userID, target); err != nil {
		span.RecordError(err)
		s.record("refresh", "failed")
		terr := &TransientError{Op: "toggle reaction", Err: fmt.Errorf("%w: %w", ErrReactionFailed, err)}
		if sess.Active() {
			sess.Failed(terr)
		}
		return ToggleResult{}, terr
	}

	rc := sess.Reconciler()
	current, found := rc.Find(domain.TableReactions, target.ID, func(e cache.Entry) bool {
		r, ok := e.Value.(domain.Reaction)
		return ok && r.UserID == userID && r.TargetType == target.Type
	})

	var (
		res ToggleResult
		op  string
	)
	switch {
	case !found:
		op = TransitionAdd
		res, err = s.add(ctx, sess, userID, target, emoji)
	case current.Value.(domain.Reaction).Emoji == emoji:
		op = TransitionRemove
		res, err = s.remove(ctx, sess, userID, target, current)
	default:
		op = TransitionSwitch
		res, err = s.switchEmoji(ctx, sess, userID, target, current, emoji)
	}
	span.SetAttributes(attribute.String("transition", op))

	if err != nil {
		span.RecordError(err)
		s.record(op, "failed")
		terr := &TransientError{Op: "toggle reaction", Err: fmt.Errorf("%w: %w", ErrReactionFailed, err)}
		if sess.Active() {
			sess.Failed(terr)
		}
		return ToggleResult{Transition: op}, terr
	}
	s.record(op, "ok")
	res.Transition = op
	return res, nil
}

// refresh reloads userID's reaction on target from the store unless the
// session follows the target live. An unfollowed collection may hold a row
// deleted elsewhere or miss one created in another tab.
func (s *ReactionService) refresh(ctx context.Context, sess ReactionSession, userID string, target ReactionTarget) error {
	if sess.Live(domain.TableReactions, target.ID) {
		return nil
	}
	r, err := repo.GetUserReaction(ctx, s.DB, userID, target.Type, target.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	rc := sess.Reconciler()
	rc.Drop(domain.TableReactions, target.ID)
	if err == nil {
		rc.MergeRemote(domain.TableReactions, target.ID, []domain.Entity{*r})
	}
	return nil
}

// add is none -> reacted(emoji).
func (s *ReactionService) add(ctx context.Context, sess ReactionSession, userID string, target ReactionTarget, emoji string) (ToggleResult, error) {
	rc := sess.Reconciler()
	now := s.now()
	tempID := rc.ApplyOptimistic(domain.TableReactions, target.ID, domain.Reaction{
		TargetType: target.Type,
		TargetID:   target.ID,
		UserID:     userID,
		Emoji:      emoji,
		CreatedAt:  now,
		UpdatedAt:  now,
	})

	r, changed, err := s.ensure(ctx, userID, target, emoji)
	if err != nil {
		if sess.Active() {
			rc.Rollback(tempID, nil)
		}
		return ToggleResult{}, err
	}
	s.reacted(ctx, sess, target, r, changed)
	if sess.Active() {
		rc.Confirm(tempID, *r)
	}
	return ToggleResult{State: StateReacted, Emoji: r.Emoji, Reaction: r}, nil
}

// remove is reacted(emoji) -> none.
func (s *ReactionService) remove(ctx context.Context, sess ReactionSession, userID string, target ReactionTarget, current cache.Entry) (ToggleResult, error) {
	rc := sess.Reconciler()
	id := current.Value.EntityID()
	if id == "" {
		// Unconfirmed entry: resolve the id from the store.
		r, err := repo.GetUserReaction(ctx, s.DB, userID, target.Type, target.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if sess.Active() && current.TempID != "" {
				rc.Rollback(current.TempID, nil)
			}
			return ToggleResult{State: StateNone}, nil
		case err != nil:
			return ToggleResult{}, err
		}
		id = r.ID
	}

	tempID, staged := rc.StageRemove(domain.TableReactions, target.ID, current.Key)

	_, err := repo.DeleteReaction(ctx, s.DB, id, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		if sess.Active() && staged {
			rc.Rollback(tempID, nil)
		}
		return ToggleResult{}, err
	}
	if sess.Active() && staged {
		rc.Confirm(tempID, nil)
	}
	return ToggleResult{State: StateNone}, nil
}

// switchEmoji is reacted(e1) -> reacted(e2), updating the row in place.
func (s *ReactionService) switchEmoji(ctx context.Context, sess ReactionSession, userID string, target ReactionTarget, current cache.Entry, emoji string) (ToggleResult, error) {
	rc := sess.Reconciler()
	next := current.Value.(domain.Reaction)
	next.Emoji = emoji
	next.UpdatedAt = s.now()
	tempID, staged := rc.StageUpdate(domain.TableReactions, target.ID, next)

	var (
		r       *domain.Reaction
		changed = true
		err     error
	)
	if next.ID != "" {
		r, err = repo.UpdateReactionEmoji(ctx, s.DB, next.ID, userID, emoji)
	}
	if next.ID == "" || errors.Is(err, repo.ErrNotFound) {
		// Removed elsewhere in the meantime: react afresh.
		r, changed, err = s.ensure(ctx, userID, target, emoji)
	}
	if err != nil {
		if sess.Active() && staged {
			rc.Rollback(tempID, nil)
		}
		return ToggleResult{}, err
	}
	s.reacted(ctx, sess, target, r, changed)
	if sess.Active() && staged {
		rc.Confirm(tempID, *r)
	}
	return ToggleResult{State: StateReacted, Emoji: r.Emoji, Reaction: r}, nil
}

// ensure makes the store hold userID's reaction on target with emoji.
// changed is false when the row already had that emoji.
func (s *ReactionService) ensure(ctx context.Context, userID string, target ReactionTarget, emoji string) (*domain.Reaction, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if s.CheckFirst {
			existing, err := repo.GetUserReaction(ctx, s.DB, userID, target.Type, target.ID)
			if err == nil {
				return s.converge(ctx, existing, emoji)
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return nil, false, err
			}
		}

		r, err := repo.CreateReaction(ctx, s.DB, userID, target.Type, target.ID, emoji)
		if err == nil {
			return r, true, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, false, err
		}

		// Another path created it first.
		existing, err := repo.GetUserReaction(ctx, s.DB, userID, target.Type, target.ID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return s.converge(ctx, existing, emoji)
	}
	return nil, false, repo.ErrDuplicate
}

func (s *ReactionService) converge(ctx context.Context, existing *domain.Reaction, emoji string) (*domain.Reaction, bool, error) {
	if existing.Emoji == emoji {
		return existing, false, nil
	}
	r, err := repo.UpdateReactionEmoji(ctx, s.DB, existing.ID, existing.UserID, emoji)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// reacted runs the side effects of entering reacted(*).
func (s *ReactionService) reacted(ctx context.Context, sess ReactionSession, target ReactionTarget, r *domain.Reaction, changed bool) {
	if sess.Active() {
		sess.Burst(target, r.Emoji)
	}
	if !changed {
		return
	}
	if _, err := repo.NotifyReactionOwner(ctx, s.DB, *r); err != nil {
		s.Log.Warn().Err(err).
			Str("reaction_id", r.ID).
			Str("target_id", r.TargetID).
			Msg("owner notification failed")
	}
}

func (s *ReactionService) record(transition, outcome string) {
	if s.Rec != nil {
		s.Rec.ReactionToggled(transition, outcome)
	}
}

// keyedMutex serializes work per key and forgets idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
