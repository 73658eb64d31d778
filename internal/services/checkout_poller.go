// Package services – CheckoutPoller
//
// CheckoutPoller watches a checkout session until the payment processor
// moves it to a terminal status. Each watch is an explicit PollTask with a
// start time and a max duration, cancelled by its view on teardown, so no
// background timer outlives the view that started it.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/repo"
)

// Poll outcomes reported to the recorder.
const (
	PollTerminal  = "terminal"
	PollTimeout   = "timeout"
	PollCancelled = "cancelled"
	PollError     = "error"
)

// CheckoutRecorder receives poll measurements.
type CheckoutRecorder interface {
	CheckoutPollFinished(outcome string)
}

// CheckoutPoller starts poll tasks.
type CheckoutPoller struct {
	DB          *gorm.DB
	Interval    time.Duration
	MaxDuration time.Duration

	Log zerolog.Logger
	Rec CheckoutRecorder
}

// PollTask is one bounded checkout watch.
type PollTask struct {
	SessionID   string
	StartedAt   time.Time
	MaxDuration time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status string
	err    error
}

// Cancel stops the task. The result becomes ErrPollCancelled unless the task
// already finished.
func (t *PollTask) Cancel() { t.cancel() }

// Done is closed when the task finished.
func (t *PollTask) Done() <-chan struct{} { return t.done }

// Result returns the last observed status and the terminal error: nil for a
// terminal status, ErrPollTimeout, ErrPollCancelled, or ErrCheckoutNotFound.
// It is only final after Done is closed.
func (t *PollTask) Result() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.err
}

func (t *PollTask) set(status string, err error) {
	t.mu.Lock()
	t.status, t.err = status, err
	t.mu.Unlock()
}

// Start polls session sessionID of userID every Interval. onUpdate, if set,
// is called with each status change and once more when the task ends. The
// task stops on a terminal status, on cancellation of ctx or the task, or
// with ErrPollTimeout after MaxDuration.
func (p *CheckoutPoller) Start(ctx context.Context, userID, sessionID string, onUpdate func(status string, err error)) *PollTask {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxDur := p.MaxDuration
	if maxDur <= 0 {
		maxDur = 5 * time.Minute
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &PollTask{
		SessionID:   sessionID,
		StartedAt:   time.Now(),
		MaxDuration: maxDur,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.run(tctx, t, userID, interval, onUpdate)
	return t
}

func (p *CheckoutPoller) run(ctx context.Context, t *PollTask, userID string, interval time.Duration, onUpdate func(string, error)) {
	defer close(t.done)
	defer t.cancel()

	ctx, span := otel.Tracer("services/CheckoutPoller").Start(ctx, "Poll",
		trace.WithAttributes(attribute.String("checkout.session_id", t.SessionID)))
	defer span.End()

	deadline := time.NewTimer(t.MaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	finish := func(outcome string, err error) {
		t.set(last, err)
		span.SetAttributes(attribute.String("poll.outcome", outcome))
		if p.Rec != nil {
			p.Rec.CheckoutPollFinished(outcome)
		}
		if onUpdate != nil {
			onUpdate(last, err)
		}
	}

	for {
		s, err := repo.GetCheckoutSession(ctx, p.DB, t.SessionID, userID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			finish(PollError, ErrCheckoutNotFound)
			return
		case err != nil:
			if ctx.Err() != nil {
				finish(PollCancelled, ErrPollCancelled)
				return
			}
			// Transient read failure; try again on the next tick.
			p.Log.Warn().Err(err).Str("session_id", t.SessionID).Msg("checkout poll read failed")
		default:
			if s.Status != last {
				last = s.Status
				t.set(last, nil)
				if s.Terminal() {
					finish(PollTerminal, nil)
					return
				}
				if onUpdate != nil {
					onUpdate(last, nil)
				}
			}
		}

		select {
		case <-ctx.Done():
			finish(PollCancelled, ErrPollCancelled)
			return
		case <-deadline.C:
			finish(PollTimeout, ErrPollTimeout)
			return
		case <-ticker.C:
		}
	}
}
