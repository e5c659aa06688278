// Package dispatch routes normalized host events to the engines. Both
// the websocket listener and the HTTP ingest endpoint feed it.
package dispatch

import (
	"context"
	"log"

	"github.com/flitsinc/go-autopilot/internal/classify"
	"github.com/flitsinc/go-autopilot/internal/continuation"
	"github.com/flitsinc/go-autopilot/internal/hostevent"
	"github.com/flitsinc/go-autopilot/internal/iterate"
	"github.com/flitsinc/go-autopilot/internal/journal"
)

type Dispatcher struct {
	Continuation *continuation.Scheduler
	Iteration    *iterate.Engine
	Journal      *journal.Journal
}

// HandleEvent resolves the session and fans the event out to the
// engines. Events without a resolvable session are dropped.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt hostevent.Event) {
	sessionID, ok := evt.ResolveSessionID()
	if !ok {
		log.Printf("dispatch: dropping %s event without session", evt.Type)
		return
	}
	d.journalEvent(ctx, evt, sessionID)

	switch evt.Type {
	case hostevent.KindSessionIdle:
		d.Continuation.OnSessionIdle(ctx, sessionID)
		d.Iteration.OnSessionIdle(ctx, sessionID)
	case hostevent.KindSessionError:
		var info classify.ErrorInfo
		if evt.Error != nil {
			info = *evt.Error
		}
		d.Continuation.OnSessionError(ctx, sessionID, info)
		d.Iteration.OnSessionError(sessionID)
	case hostevent.KindSessionDeleted:
		d.Continuation.OnSessionDeleted(sessionID)
		d.Iteration.OnSessionDeleted(sessionID)
	case hostevent.KindMessageUpdated:
		msg := evt.Message
		if msg == nil {
			return
		}
		d.Continuation.OnUserMessage(ctx, sessionID, msg.ID, msg.MessageTime(), msg.Text, msg.Error)
	default:
		log.Printf("dispatch: ignoring unknown event type %q", evt.Type)
	}
}

func (d *Dispatcher) journalEvent(ctx context.Context, evt hostevent.Event, sessionID string) {
	if d.Journal == nil {
		return
	}
	if _, err := d.Journal.Record(ctx, journal.Input{
		Kind:      journal.KindEvent,
		SessionID: sessionID,
		Subject:   string(evt.Type),
		Body:      string(evt.Type),
	}); err != nil {
		log.Printf("dispatch: journal: %v", err)
	}
}
