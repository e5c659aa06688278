package host

import (
	"context"
	"log"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-autopilot/internal/hostevent"
)

// Handler receives decoded lifecycle events from the host stream.
type Handler interface {
	HandleEvent(ctx context.Context, evt hostevent.Event)
}

// Listener maintains a websocket subscription to the host's event
// stream, decoding each frame and handing it to the Handler. It
// reconnects with backoff until the context is cancelled.
type Listener struct {
	URL     string
	Token   string
	Handler Handler

	// MaxBackoff caps the reconnect delay. Defaults to 30s.
	MaxBackoff time.Duration
}

// Run blocks until ctx is cancelled. Individual connection failures
// are logged, never returned; the host being briefly unreachable must
// not take the daemon down.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := l.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("host listener: connection lost: %v (retrying in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if l.Token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + l.Token}}
	}
	conn, _, err := websocket.Dial(ctx, l.URL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	log.Printf("host listener: connected to %s", l.URL)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		evt, err := hostevent.Decode(data)
		if err != nil {
			log.Printf("host listener: dropping frame: %v", err)
			continue
		}
		l.Handler.HandleEvent(ctx, evt)
	}
}
