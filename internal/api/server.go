// Package api exposes the daemon's control and observability surface.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-autopilot/internal/continuation"
	"github.com/flitsinc/go-autopilot/internal/dispatch"
	"github.com/flitsinc/go-autopilot/internal/hostevent"
	"github.com/flitsinc/go-autopilot/internal/iterate"
	"github.com/flitsinc/go-autopilot/internal/journal"
	"github.com/flitsinc/go-autopilot/internal/looptag"
)

type Server struct {
	Continuation *continuation.Scheduler
	Iteration    *iterate.Engine
	Journal      *journal.Journal
	Dispatcher   *dispatch.Dispatcher
	Restart      func() error
	RestartToken string
	InstanceID   string
	StartedAt    time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleIngest)
	mux.HandleFunc("/api/journal", s.handleJournal)
	mux.HandleFunc("/api/journal/ws", s.handleJournalWS)
	mux.HandleFunc("/api/loop", s.handleLoop)
	mux.HandleFunc("/api/loop/cancel", s.handleLoopCancel)
	mux.HandleFunc("/api/loop/complete", s.handleLoopComplete)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"instance":   s.InstanceID,
		"started_at": s.StartedAt,
		"uptime":     time.Since(s.StartedAt).Round(time.Second).String(),
	})
}

// handleIngest accepts host events over HTTP for hosts that POST
// instead of streaming.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := hostevent.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.Dispatcher.HandleEvent(r.Context(), evt)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	entries, err := s.Journal.List(r.Context(), journal.Filter{
		Kind:      journal.Kind(r.URL.Query().Get("kind")),
		SessionID: r.URL.Query().Get("session"),
		Limit:     parseInt(r.URL.Query().Get("limit"), 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type loopRequest struct {
	SessionID     string `json:"session_id"`
	Task          string `json:"task,omitempty"`
	Text          string `json:"text,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Marker        string `json:"marker,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := s.Iteration.Status()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if st == nil {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"active":         true,
			"iteration":      st.Iteration,
			"max_iterations": st.MaxIterations,
			"marker":         st.CompletionMarker,
			"session_id":     st.SessionID,
			"started_at":     st.StartedAt,
		})
	case http.MethodPost:
		var req loopRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task := req.Task
		opts := iterate.Options{MaxIterations: req.MaxIterations, Marker: req.Marker}
		if task == "" && req.Text != "" {
			// Free text may carry an embedded <iterationLoop> tag.
			parsed := looptag.Parse(req.Text)
			if !parsed.Found {
				writeError(w, http.StatusBadRequest, errBadRequest("no task and no iteration-loop tag in text"))
				return
			}
			task = parsed.Task
			if parsed.MaxIterations > 0 && opts.MaxIterations == 0 {
				opts.MaxIterations = parsed.MaxIterations
			}
			if parsed.Marker != "" && opts.Marker == "" {
				opts.Marker = parsed.Marker
			}
		}
		st, err := s.Iteration.StartLoop(r.Context(), req.SessionID, task, opts)
		if err != nil {
			// Caller misuse is a 400; a failing state store is ours.
			status := http.StatusInternalServerError
			if errors.Is(err, iterate.ErrEmptyTask) || errors.Is(err, iterate.ErrLoopActive) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, st)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleLoopCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req loopRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.Iteration.CancelLoop(r.Context(), req.SessionID)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleLoopComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req loopRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.Iteration.CompleteLoop(r.Context(), req.SessionID, req.Summary)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// handleSessions covers /api/sessions/{id}/recovering: PUT sets the
// manual recovery override, DELETE clears it, GET reads it.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "recovering" {
		writeError(w, http.StatusNotFound, errNotFound("session resource"))
		return
	}
	sessionID := segments[0]
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"recovering": s.Continuation.Recovering(sessionID)})
	case http.MethodPut, http.MethodPost:
		s.Continuation.MarkRecovering(sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"recovering": true})
	case http.MethodDelete:
		s.Continuation.MarkRecoveryComplete(sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"recovering": false})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		if r.Header.Get("X-Restart-Token") != token {
			writeError(w, http.StatusUnauthorized, errBadRequest("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type apiError struct {
	msg string
}

func (e apiError) Error() string { return e.msg }

func errNotFound(target string) error {
	return apiError{msg: target + " not found"}
}

func errBadRequest(msg string) error {
	return apiError{msg: msg}
}
