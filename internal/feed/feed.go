// Package feed implements the realtime change feed: subscribe by
// table/column equality filter, receive row-level insert/update/delete events.
//
// Delivery is at-least-once and unordered across rows. Events are produced
// either in-process by GORM callbacks (Attach) or from PostgreSQL
// LISTEN/NOTIFY (PGListener); both publish into a Broker, which fans out to
// subscribed channels without ever blocking the producer.
package feed

import (
	"context"
	"errors"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

var (
	// ErrClosed is returned by Subscribe after the broker has been closed.
	ErrClosed = errors.New("feed: closed")
	// ErrDisconnected is surfaced on every channel when the upstream
	// connection of the feed is lost.
	ErrDisconnected = errors.New("feed: upstream disconnected")
)

// Filter selects the rows of one table whose Column equals Value. An empty
// Column selects every row of the table.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev domain.RowEvent) bool {
	if ev.Table != f.Table || ev.Row == nil {
		return false
	}
	if f.Column == "" {
		return true
	}
	v, ok := ev.Row.Field(f.Column)
	return ok && v == f.Value
}

// Channel is one open subscription. Close is idempotent; after it returns
// no further event is sent on Events.
type Channel interface {
	Events() <-chan domain.RowEvent
	Err() <-chan error
	Close()
}

// Feed opens filtered channels. The channel is closed when ctx is done.
type Feed interface {
	Subscribe(ctx context.Context, f Filter) (Channel, error)
}

// Recorder receives feed-level measurements.
type Recorder interface {
	FeedPublished(table string)
	FeedOverflow(table string)
}

type nopRecorder struct{}

func (nopRecorder) FeedPublished(string) {}
func (nopRecorder) FeedOverflow(string)  {}
