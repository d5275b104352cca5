package events

import (
	"context"
	"log"
	"time"

	"github.com/lib/pq"
)

// channels are the Postgres NOTIFY channels the Listener subscribes to.
// No code in this module issues NOTIFY on them.
var channels = []string{"trade_closed", "position_opened", "halt_triggered", "checkpoint_saved"}

// Listener relays Postgres LISTEN/NOTIFY traffic onto a Broadcaster so
// events raised by other processes against the same database reach
// this engine's websocket subscribers too.
type Listener struct {
	dbURL       string
	broadcaster *Broadcaster
	logger      *log.Logger
	shutdown    chan struct{}
}

// NewListener creates a Listener. dbURL must be a libpq-style connection
// string; lib/pq, not pgx, is used here because its Listener is the
// pack's established LISTEN/NOTIFY client.
func NewListener(dbURL string, broadcaster *Broadcaster, logger *log.Logger) *Listener {
	return &Listener{dbURL: dbURL, broadcaster: broadcaster, logger: logger, shutdown: make(chan struct{})}
}

// Start begins listening in its own goroutine. It reconnects with
// exponential backoff (capped at 10s) on any listener error.
func (l *Listener) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *Listener) loop(ctx context.Context) {
	minRetry := 100 * time.Millisecond
	maxRetry := 10 * time.Second
	retry := minRetry

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		default:
		}

		listener := pq.NewListener(l.dbURL, minRetry, maxRetry, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				l.logger.Printf("events: listener error: %v", err)
			}
		})

		if err := l.subscribe(listener); err != nil {
			l.logger.Printf("events: subscribe failed: %v", err)
			listener.Close()
			time.Sleep(maxRetry)
			continue
		}
		retry = minRetry

		if err := l.drain(ctx, listener); err != nil {
			l.logger.Printf("events: %v", err)
		}
		listener.Close()

		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		default:
			time.Sleep(retry)
		}
	}
}

func (l *Listener) subscribe(listener *pq.Listener) error {
	for _, ch := range channels {
		if err := listener.Listen(ch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) drain(ctx context.Context, listener *pq.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.shutdown:
			return nil
		case n := <-listener.Notify:
			if n == nil {
				return nil
			}
			l.broadcaster.Publish(n.Channel, n.Extra)
		}
	}
}

// Stop ends the listen loop.
func (l *Listener) Stop() {
	close(l.shutdown)
}
