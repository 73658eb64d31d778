// Package domain defines the persistence models observed and mutated by the
// realtime coordinator: community posts and comments, chats and their
// messages, reactions, notifications, support chat messages, live-stream
// gifts, and checkout sessions. These types are mapped with GORM and are
// shared by the repository, change feed, cache, and service layers.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Table names. They double as entity types for cache collections and as the
// table discriminator of change feed events.
const (
	TablePosts            = "posts"
	TableComments         = "comments"
	TableChats            = "chats"
	TableMessages         = "messages"
	TableReactions        = "reactions"
	TableNotifications    = "notifications"
	TableSupportMessages  = "support_messages"
	TableGifts            = "gifts"
	TableCheckoutSessions = "checkout_sessions"
)

// Reaction target types.
const (
	TargetPost    = "post"
	TargetComment = "comment"
)

// RelatedSupportChat is the Notification.RelatedType of staff replies.
const RelatedSupportChat = "support_chat"

// Post is a community post.
//
// ClientRef carries the optimistic temp id assigned by the author's view so
// the change feed copy of the row can be paired with its pending entry.
type Post struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	CommunityID string    `json:"community_id" gorm:"type:varchar(64);not null;index:idx_community_posts,priority:1"`
	AuthorID    string    `json:"author_id"    gorm:"type:varchar(64);not null;index"`
	Body        string    `json:"body"         gorm:"type:text;not null"`
	ClientRef   string    `json:"client_ref,omitempty" gorm:"type:varchar(64);index"`
	CreatedAt   time.Time `json:"created_at"   gorm:"index:idx_community_posts,priority:2"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Post.
func (Post) TableName() string { return TablePosts }

// Comment is a reply under a post.
type Comment struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	PostID    string    `json:"post_id"    gorm:"type:char(36);not null;index:idx_post_comments,priority:1"`
	AuthorID  string    `json:"author_id"  gorm:"type:varchar(64);not null"`
	Body      string    `json:"body"       gorm:"type:text;not null"`
	ClientRef string    `json:"client_ref,omitempty" gorm:"type:varchar(64);index"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_post_comments,priority:2"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Comment.
func (Comment) TableName() string { return TableComments }

// Chat is a conversation owned by a user. Messages are scoped by chat id.
type Chat struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"   gorm:"type:varchar(64);not null;index:idx_user_chats"`
	Title     string    `json:"title"     gorm:"type:varchar(255);not null;default:'New chat'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return TableChats }

// Message is a single chat message.
type Message struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	ChatID    string    `json:"chat_id"    gorm:"type:char(36);not null;index:idx_chat_msgs,priority:1"`
	SenderID  string    `json:"sender_id"  gorm:"type:varchar(64);not null"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	ClientRef string    `json:"client_ref,omitempty" gorm:"type:varchar(64);index"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_chat_msgs,priority:2"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return TableMessages }

// Reaction is a user's emoji on a post or comment. A user holds at most one
// reaction per target (enforced by unique index); switching emoji updates the
// row in place.
type Reaction struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	TargetType string    `json:"target_type" gorm:"type:varchar(16);not null;uniqueIndex:ux_reaction_user_target,priority:2;index:idx_reaction_target,priority:1;check:target_type IN ('post','comment')"`
	TargetID   string    `json:"target_id"   gorm:"type:char(36);not null;uniqueIndex:ux_reaction_user_target,priority:3;index:idx_reaction_target,priority:2"`
	UserID     string    `json:"user_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_reaction_user_target,priority:1"`
	Emoji      string    `json:"emoji"       gorm:"type:varchar(32);not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Reaction.
func (Reaction) TableName() string { return TableReactions }

// Notification is an inbox entry for a user. Rows are produced by the store
// layer (for example when someone reacts to the user's post) and observed by
// the user's views through the change feed.
type Notification struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string         `json:"user_id"      gorm:"type:varchar(64);not null;index:idx_user_notifications,priority:1"`
	Title       string         `json:"title"        gorm:"type:varchar(255);not null"`
	Message     string         `json:"message"      gorm:"type:text;not null"`
	IsRead      bool           `json:"is_read"      gorm:"not null;default:false;index:idx_user_notifications,priority:2"`
	RelatedID   string         `json:"related_id"   gorm:"type:varchar(64)"`
	RelatedType string         `json:"related_type" gorm:"type:varchar(32)"`
	Metadata    datatypes.JSON `json:"metadata,omitempty" swaggertype:"object"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return TableNotifications }

// SupportMessage is a message in a support chat between a user and the
// support team. IsAdmin marks messages written by support staff.
type SupportMessage struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	ChatID    string    `json:"chat_id"    gorm:"type:varchar(64);not null;index"`
	SenderID  string    `json:"sender_id"  gorm:"type:varchar(64);not null"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	IsAdmin   bool      `json:"is_admin"   gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for SupportMessage.
func (SupportMessage) TableName() string { return TableSupportMessages }

// Gift is a live-stream gift sent to a streamer.
type Gift struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	StreamID    string    `json:"stream_id"    gorm:"type:varchar(64);not null;index"`
	SenderID    string    `json:"sender_id"    gorm:"type:varchar(64);not null"`
	RecipientID string    `json:"recipient_id" gorm:"type:varchar(64);not null;index"`
	Kind        string    `json:"kind"         gorm:"type:varchar(32);not null"`
	Amount      int       `json:"amount"       gorm:"not null;check:amount > 0"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for Gift.
func (Gift) TableName() string { return TableGifts }

// Checkout session statuses. The row is written by the payment webhook,
// which lives outside this service.
const (
	CheckoutOpen     = "open"
	CheckoutPaid     = "paid"
	CheckoutFailed   = "failed"
	CheckoutExpired  = "expired"
	CheckoutCanceled = "canceled"
)

// CheckoutSession mirrors the payment processor's checkout session state.
type CheckoutSession struct {
	ID        string    `json:"id"         gorm:"type:varchar(128);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index"`
	Status    string    `json:"status"     gorm:"type:varchar(16);not null;default:'open'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for CheckoutSession.
func (CheckoutSession) TableName() string { return TableCheckoutSessions }

// Terminal reports whether the checkout session reached a final state.
func (c CheckoutSession) Terminal() bool {
	return IsTerminalCheckout(c.Status)
}

// IsTerminalCheckout reports whether status is a final checkout status.
func IsTerminalCheckout(status string) bool {
	switch status {
	case CheckoutPaid, CheckoutFailed, CheckoutExpired, CheckoutCanceled:
		return true
	}
	return false
}
