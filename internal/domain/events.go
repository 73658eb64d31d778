package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Op is the kind of row change carried by a change feed event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ErrUnknownTable is returned when a payload names a table that has no
// typed row mapping.
var ErrUnknownTable = errors.New("unknown table")

// RowEvent is one row-level change delivered by the change feed. Delivery is
// at-least-once and unordered across rows; consumers order by the row's own
// timestamp, never by At.
type RowEvent struct {
	Table string    `json:"table"`
	Op    Op        `json:"op"`
	Row   Row       `json:"row"`
	At    time.Time `json:"at"`
}

// Row is the closed set of typed rows a RowEvent may carry. Field exposes
// the equality-filterable columns of the row.
type Row interface {
	Table() string
	Field(column string) (string, bool)
}

type (
	PostRow           struct{ Post }
	CommentRow        struct{ Comment }
	MessageRow        struct{ Message }
	ReactionRow       struct{ Reaction }
	NotificationRow   struct{ Notification }
	SupportMessageRow struct{ SupportMessage }
	GiftRow           struct{ Gift }
)

func (PostRow) Table() string           { return TablePosts }
func (CommentRow) Table() string        { return TableComments }
func (MessageRow) Table() string        { return TableMessages }
func (ReactionRow) Table() string       { return TableReactions }
func (NotificationRow) Table() string   { return TableNotifications }
func (SupportMessageRow) Table() string { return TableSupportMessages }
func (GiftRow) Table() string           { return TableGifts }

func (r PostRow) Field(col string) (string, bool) {
	switch col {
	case "id":
		return r.ID, true
	case "community_id":
		return r.CommunityID, true
	case "author_id":
		return r.AuthorID, true
	}
	return "", false
}

func (r CommentRow) Field(col string) (string, bool) {
	switch col {
	case "id":
		return r.ID, true
	case "post_id":
		return r.PostID, true
	case "author_id":
		return r.AuthorID, true
	}
	return "", false
}

func (r MessageRow) Field(col string) (string, bool) {
	switch col {
	case "id":
		return r.ID, true
	case "chat_id":
		return r.ChatID, true
	case "sender_id":
		return r.SenderID, true
	}
	return "", false
}

func (r ReactionRow) Field(col string) (string, bool) {
	switch col {
	case "id":
		return r.ID, true
	case "target_id":
		return r.TargetID, true
	case "target_type":
		return r.TargetType, true
	case "user_id":
		return r.UserID, true
	}
	return "", false
}

func (r NotificationRow) Field(col string) (string, bool) {
	switch col {
	case "id":
		return r.ID, true
	case "user_id":
		return r.UserID, true
	}
	return "", false
}

func (r SupportMessageRow) Field(col string) (string, bool) {
	switch col {
	case "id":
		return r.ID, true
	case "chat_id":
		return r.ChatID, true
	case "sender_id":
		return r.SenderID, true
	}
	return "", false
}

func (r GiftRow) Field(col string) (string, bool) {
	switch col {
	case "id":
		return r.ID, true
	case "stream_id":
		return r.StreamID, true
	case "recipient_id":
		return r.RecipientID, true
	}
	return "", false
}

// DecodeRow maps an untyped JSON row payload into its typed row. This is the
// only place where feed payloads become typed records.
func DecodeRow(table string, data []byte) (Row, error) {
	var (
		row Row
		err error
	)
	switch table {
	case TablePosts:
		var v Post
		err = json.Unmarshal(data, &v)
		row = PostRow{v}
	case TableComments:
		var v Comment
		err = json.Unmarshal(data, &v)
		row = CommentRow{v}
	case TableMessages:
		var v Message
		err = json.Unmarshal(data, &v)
		row = MessageRow{v}
	case TableReactions:
		var v Reaction
		err = json.Unmarshal(data, &v)
		row = ReactionRow{v}
	case TableNotifications:
		var v Notification
		err = json.Unmarshal(data, &v)
		row = NotificationRow{v}
	case TableSupportMessages:
		var v SupportMessage
		err = json.Unmarshal(data, &v)
		row = SupportMessageRow{v}
	case TableGifts:
		var v Gift
		err = json.Unmarshal(data, &v)
		row = GiftRow{v}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s row: %w", table, err)
	}
	return row, nil
}

// RowFromModel converts a persisted GORM model (value or pointer) into its
// typed row. Models without a feed mapping return false.
func RowFromModel(v any) (Row, bool) {
	switch m := v.(type) {
	case *Post:
		if m == nil {
			return nil, false
		}
		return PostRow{*m}, true
	case Post:
		return PostRow{m}, true
	case *Comment:
		if m == nil {
			return nil, false
		}
		return CommentRow{*m}, true
	case Comment:
		return CommentRow{m}, true
	case *Message:
		if m == nil {
			return nil, false
		}
		return MessageRow{*m}, true
	case Message:
		return MessageRow{m}, true
	case *Reaction:
		if m == nil {
			return nil, false
		}
		return ReactionRow{*m}, true
	case Reaction:
		return ReactionRow{m}, true
	case *Notification:
		if m == nil {
			return nil, false
		}
		return NotificationRow{*m}, true
	case Notification:
		return NotificationRow{m}, true
	case *SupportMessage:
		if m == nil {
			return nil, false
		}
		return SupportMessageRow{*m}, true
	case SupportMessage:
		return SupportMessageRow{m}, true
	case *Gift:
		if m == nil {
			return nil, false
		}
		return GiftRow{*m}, true
	case Gift:
		return GiftRow{m}, true
	}
	return nil, false
}

// AsEntity unwraps rows of cached tables into their entity value.
func AsEntity(row Row) (Entity, bool) {
	switch r := row.(type) {
	case PostRow:
		return r.Post, true
	case CommentRow:
		return r.Comment, true
	case MessageRow:
		return r.Message, true
	case ReactionRow:
		return r.Reaction, true
	case NotificationRow:
		return r.Notification, true
	}
	return nil, false
}
