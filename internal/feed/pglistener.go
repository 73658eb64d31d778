package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// NotifyChannel is the PostgreSQL NOTIFY channel written by the
// notify_row_change trigger.
const NotifyChannel = "row_changes"

// PGListener republishes PostgreSQL row change notifications into a Broker.
// A lost listener connection is surfaced on every open channel so their
// owners can resubscribe; pq reconnects on its own in the background.
type PGListener struct {
	dsn    string
	broker *Broker
	log    zerolog.Logger

	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingEvery    time.Duration

	// Reload re-reads rows whose payload arrived truncated. When nil those
	// inserts and updates are dropped.
	Reload Reloader
}

// Reloader fetches the current row for table by primary key.
type Reloader func(ctx context.Context, table, id string) (domain.Row, error)

// ReloadFrom reads rows back through db as JSON so they decode exactly as
// trigger payloads do.
func ReloadFrom(db *gorm.DB) Reloader {
	return func(ctx context.Context, table, id string) (domain.Row, error) {
		if _, err := domain.DecodeRow(table, []byte("{}")); err != nil {
			return nil, err
		}
		var data []byte
		res := db.WithContext(ctx).
			Raw("SELECT row_to_json(t)::text FROM "+pq.QuoteIdentifier(table)+" t WHERE t.id = ?", id).
			Scan(&data)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 || len(data) == 0 {
			return nil, gorm.ErrRecordNotFound
		}
		return domain.DecodeRow(table, data)
	}
}

// NewPGListener returns a listener for dsn publishing into broker.
func NewPGListener(dsn string, broker *Broker, log zerolog.Logger) *PGListener {
	return &PGListener{
		dsn:          dsn,
		broker:       broker,
		log:          log,
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
		PingEvery:    90 * time.Second,
	}
}

// Run listens until ctx is done.
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.MinReconnect, l.MaxReconnect, l.onEvent)
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	l.log.Info().Str("channel", NotifyChannel).Msg("postgres change feed listening")

	ping := time.NewTicker(l.PingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil is sent after a reconnect; notifications in the gap are lost.
			if n == nil {
				continue
			}
			l.handle(ctx, n.Extra)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.log.Warn().Err(err).Msg("postgres change feed ping failed")
				}
			}()
		}
	}
}

func (l *PGListener) handle(ctx context.Context, payload string) {
	ev, truncated, err := DecodeNotification(payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("dropping undecodable row change")
		return
	}
	// A delete only needs the key columns, which are never stripped.
	if truncated && ev.Op != domain.OpDelete {
		row, err := l.reload(ctx, ev)
		if err != nil {
			l.log.Warn().Err(err).Str("table", ev.Table).Msg("dropping truncated row change")
			return
		}
		ev.Row = row
	}
	l.broker.Publish(ev)
}

func (l *PGListener) reload(ctx context.Context, ev domain.RowEvent) (domain.Row, error) {
	if l.Reload == nil {
		return nil, errors.New("no reloader configured")
	}
	id, ok := ev.Row.Field("id")
	if !ok || id == "" {
		return nil, errors.New("truncated row has no id")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return l.Reload(ctx, ev.Table, id)
}

func (l *PGListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.log.Debug().Msg("postgres change feed connected")
	case pq.ListenerEventDisconnected:
		l.log.Error().Err(err).Msg("postgres change feed disconnected")
		l.broker.FailAll(fmt.Errorf("%w: %v", ErrDisconnected, err))
	case pq.ListenerEventReconnected:
		l.log.Info().Msg("postgres change feed reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.log.Warn().Err(err).Msg("postgres change feed reconnect attempt failed")
	}
}

type notification struct {
	Table     string          `json:"table"`
	Op        string          `json:"op"`
	Truncated bool            `json:"truncated"`
	Row       json.RawMessage `json:"row"`
}

// DecodeNotification parses a row_changes payload into a typed RowEvent.
// truncated reports that the trigger stripped the row's text columns, so
// Row carries only keys and scalars.
func DecodeNotification(payload string) (ev domain.RowEvent, truncated bool, err error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return domain.RowEvent{}, false, fmt.Errorf("decode notification: %w", err)
	}
	op := domain.Op(n.Op)
	switch op {
	case domain.OpInsert, domain.OpUpdate, domain.OpDelete:
	default:
		return domain.RowEvent{}, false, fmt.Errorf("decode notification: unknown op %q", n.Op)
	}
	row, err := domain.DecodeRow(n.Table, n.Row)
	if err != nil {
		return domain.RowEvent{}, false, err
	}
	return domain.RowEvent{Table: n.Table, Op: op, Row: row, At: time.Now().UTC()}, n.Truncated, nil
}
