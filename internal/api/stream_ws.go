package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-autopilot/internal/journal"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleJournalWS streams live journal entries to an observer.
// ?kinds=decision,instruction filters; empty means everything.
func (s *Server) handleJournalWS(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("journal"))
		return
	}

	var kinds []journal.Kind
	for _, part := range strings.Split(r.URL.Query().Get("kinds"), ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			kinds = append(kinds, journal.Kind(part))
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamJournal(ctx, s.Journal, kinds, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamJournal(ctx context.Context, jnl *journal.Journal, kinds []journal.Kind, writer wsWriter) error {
	sub := jnl.Subscribe(ctx, kinds)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
