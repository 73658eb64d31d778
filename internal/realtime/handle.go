package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tbourn/go-realtime-coordinator/internal/feed"
)

// Handle is one subscription of a view to (EntityType, ScopeKey).
type Handle struct {
	EntityType string
	ScopeKey   string
	Filter     feed.Filter

	active atomic.Bool
	// gate is held shared while an event is routed and exclusively while the
	// handle is deactivated, so deactivation waits for in-flight routing.
	gate sync.RWMutex

	mu sync.Mutex // guards ch across resubscribes
	ch feed.Channel

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Active reports whether events of the handle still reach its sinks.
func (h *Handle) Active() bool { return h.active.Load() }

// Done is closed once the handle's pump goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) channel() feed.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ch
}
