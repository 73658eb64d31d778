package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// DefaultBuffer is the per-channel event buffer used when none is given.
const DefaultBuffer = 64

// Broker is an in-process fan-out of row events to filtered channels.
// Publish never blocks: a channel whose buffer is full loses the event and
// the loss is recorded as overflow.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*channel
	nextID uint64
	closed bool

	buffer int
	log    zerolog.Logger
	rec    Recorder
}

// Option configures a Broker.
type Option func(*Broker)

// WithBuffer sets the per-channel buffer size.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the broker logger.
func WithLogger(l zerolog.Logger) Option { return func(b *Broker) { b.log = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		if r != nil {
			b.rec = r
		}
	}
}

// NewBroker returns an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subs:   make(map[uint64]*channel),
		buffer: DefaultBuffer,
		log:    zerolog.Nop(),
		rec:    nopRecorder{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe opens a channel for rows matching f.
func (b *Broker) Subscribe(ctx context.Context, f Filter) (Channel, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	c := &channel{
		id:     b.nextID,
		filter: f,
		events: make(chan domain.RowEvent, b.buffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		broker: b,
	}
	b.subs[c.id] = c
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return c, nil
}

// Publish delivers ev to every channel whose filter matches.
func (b *Broker) Publish(ev domain.RowEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.rec.FeedPublished(ev.Table)

	for _, c := range b.snapshot() {
		if !c.filter.Matches(ev) {
			continue
		}
		if !c.deliver(ev) {
			b.rec.FeedOverflow(ev.Table)
			b.log.Warn().
				Str("table", ev.Table).
				Str("column", c.filter.Column).
				Str("value", c.filter.Value).
				Msg("feed channel buffer full; event dropped")
		}
	}
}

// Fail surfaces err on every open channel of table.
func (b *Broker) Fail(table string, err error) {
	for _, c := range b.snapshot() {
		if c.filter.Table == table {
			c.fail(err)
		}
	}
}

// FailAll surfaces err on every open channel.
func (b *Broker) FailAll(err error) {
	for _, c := range b.snapshot() {
		c.fail(err)
	}
}

// Len returns the number of open channels.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every channel and rejects new subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	for _, c := range b.snapshot() {
		c.Close()
	}
}

func (b *Broker) snapshot() []*channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*channel, 0, len(b.subs))
	for _, c := range b.subs {
		out = append(out, c)
	}
	return out
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type channel struct {
	id     uint64
	filter Filter
	broker *Broker

	mu     sync.RWMutex // guards closed against sends on closed channels
	closed bool
	events chan domain.RowEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (c *channel) Events() <-chan domain.RowEvent { return c.events }
func (c *channel) Err() <-chan error              { return c.errs }

// deliver reports false only when the buffer was full.
func (c *channel) deliver(ev domain.RowEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *channel) fail(err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}

func (c *channel) Close() {
	c.once.Do(func() {
		c.broker.remove(c.id)
		c.mu.Lock()
		c.closed = true
		close(c.events)
		close(c.errs)
		close(c.done)
		c.mu.Unlock()
	})
}
