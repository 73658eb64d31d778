// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for reactions and
// the owner notification that follows a new reaction.
//
// A user holds at most one reaction per target; the unique index
// ux_reaction_user_target enforces it and CreateReaction reports collisions
// as ErrDuplicate so callers can treat them as a converged state.
//
// Updates and deletes load the full row first and write it back through the
// model, so change feed hooks observe complete rows for every operation.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// EmojiCount is the number of reactions of one emoji on a target.
type EmojiCount struct {
	Emoji string `json:"emoji"`
	Count int64  `json:"count"`
}

// CreateReaction inserts a reaction. A unique violation on
// (user_id, target_type, target_id) is returned as ErrDuplicate.
func CreateReaction(ctx context.Context, db *gorm.DB, userID, targetType, targetID, emoji string) (*domain.Reaction, error) {
	now := time.Now().UTC()
	r := &domain.Reaction{
		ID:         uuid.NewString(),
		TargetType: targetType,
		TargetID:   targetID,
		UserID:     userID,
		Emoji:      emoji,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// GetUserReaction returns the user's reaction on a target or ErrNotFound.
func GetUserReaction(ctx context.Context, db *gorm.DB, userID, targetType, targetID string) (*domain.Reaction, error) {
	var r domain.Reaction
	err := db.WithContext(ctx).
		Where("user_id = ? AND target_type = ? AND target_id = ?", userID, targetType, targetID).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateReactionEmoji switches the emoji of an existing reaction owned by
// userID. Returns ErrNotFound when the row is gone.
func UpdateReactionEmoji(ctx context.Context, db *gorm.DB, id, userID, emoji string) (*domain.Reaction, error) {
	var r domain.Reaction
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&r).Error
	if err != nil {
		return nil, err
	}
	r.Emoji = emoji
	r.UpdatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Save(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteReaction removes a reaction owned by userID and returns the deleted
// row. Returns ErrNotFound when nothing matched.
func DeleteReaction(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Reaction, error) {
	var r domain.Reaction
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&r).Error
	if err != nil {
		return nil, err
	}
	res := db.WithContext(ctx).Delete(&r)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &r, nil
}

// ListTargetReactions returns all reactions on targetID regardless of
// target type, oldest first.
func ListTargetReactions(ctx context.Context, db *gorm.DB, targetID string) ([]domain.Reaction, error) {
	var out []domain.Reaction
	err := db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ReactionCounts aggregates a target's reactions by emoji, most used first.
func ReactionCounts(ctx context.Context, db *gorm.DB, targetType, targetID string) ([]EmojiCount, error) {
	var out []EmojiCount
	err := db.WithContext(ctx).
		Model(&domain.Reaction{}).
		Select("emoji, COUNT(*) AS count").
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Group("emoji").
		Order("count DESC, emoji ASC").
		Scan(&out).Error
	return out, err
}

// reactionOwner resolves the author of a reaction target.
func reactionOwner(ctx context.Context, db *gorm.DB, targetType, targetID string) (string, error) {
	var owner string
	var q *gorm.DB
	switch targetType {
	case domain.TargetPost:
		q = db.WithContext(ctx).Model(&domain.Post{})
	case domain.TargetComment:
		q = db.WithContext(ctx).Model(&domain.Comment{})
	default:
		return "", fmt.Errorf("unknown reaction target type %q", targetType)
	}
	res := q.Select("author_id").Where("id = ?", targetID).Limit(1).Scan(&owner)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrNotFound
	}
	return owner, nil
}

// NotifyReactionOwner writes the inbox notification for the author of the
// reacted-to content. It returns (nil, nil) when the reactor owns the target
// or the target no longer exists.
func NotifyReactionOwner(ctx context.Context, db *gorm.DB, r domain.Reaction) (*domain.Notification, error) {
	owner, err := reactionOwner(ctx, db, r.TargetType, r.TargetID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if owner == "" || owner == r.UserID {
		return nil, nil
	}

	meta, err := json.Marshal(map[string]string{
		"emoji":       r.Emoji,
		"actor_id":    r.UserID,
		"reaction_id": r.ID,
	})
	if err != nil {
		return nil, err
	}
	n := &domain.Notification{
		UserID:      owner,
		Title:       "New reaction",
		Message:     fmt.Sprintf("%s reacted %s to your %s", r.UserID, r.Emoji, r.TargetType),
		RelatedID:   r.TargetID,
		RelatedType: r.TargetType,
		Metadata:    datatypes.JSON(meta),
	}
	if err := CreateNotification(ctx, db, n); err != nil {
		return nil, err
	}
	return n, nil
}
