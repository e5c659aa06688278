// Package iterate runs a bounded retry loop for one session: on each
// idle it checks a completion signal and either finishes, stops at the
// bound, or sends the next attempt. At most one loop is active per
// working directory; the persisted record is the whole state.
package iterate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-autopilot/internal/evaluate"
	"github.com/flitsinc/go-autopilot/internal/host"
	"github.com/flitsinc/go-autopilot/internal/journal"
	"github.com/flitsinc/go-autopilot/internal/prompt"
	"github.com/flitsinc/go-autopilot/internal/sched"
)

// Host is the slice of the host API the iteration engine needs.
// *host.Client satisfies it.
type Host interface {
	Transcript(ctx context.Context, sessionID string) (string, error)
	SendInstruction(ctx context.Context, sessionID, text string, opts host.SendOptions) error
	Notify(ctx context.Context, sessionID, text string) error
}

// Caller-misuse failures from StartLoop, distinguishable from store
// I/O errors via errors.Is.
var (
	ErrEmptyTask  = errors.New("task is empty")
	ErrLoopActive = errors.New("a loop is already active")
)

// Result reports the outcome of an explicit cancel/complete call.
// Caller misuse (no loop, wrong session) is a failed Result, not an
// error.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Options configures a new loop.
type Options struct {
	MaxIterations int
	Marker        string
}

type Config struct {
	// Debounce is the minimum spacing between two engine actions,
	// absorbing bursts of idle events.
	Debounce time.Duration
	// RecoveryWindow is how long idle events are ignored after a
	// session error. Independent of the continuation cooldown.
	RecoveryWindow time.Duration

	DefaultMaxIterations int
	DefaultMarker        string
}

type Engine struct {
	store   *Store
	host    Host
	eval    evaluate.Evaluator // nil selects marker mode
	clock   sched.Clock
	journal *journal.Journal
	cfg     Config

	mu              sync.Mutex
	lastActionAt    time.Time
	recoveringUntil time.Time
}

func NewEngine(store *Store, h Host, eval evaluate.Evaluator, clock sched.Clock, jnl *journal.Journal, cfg Config) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 5 * time.Second
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 15 * time.Second
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = 10
	}
	if cfg.DefaultMarker == "" {
		cfg.DefaultMarker = "DONE"
	}
	return &Engine{store: store, host: h, eval: eval, clock: clock, journal: jnl, cfg: cfg}
}

// StartLoop creates iteration 1, persists it, notifies the session and
// sends the initial instruction. The loop binds to sessionID; events
// from other sessions are ignored while it is active.
func (e *Engine) StartLoop(ctx context.Context, sessionID, task string, opts Options) (*State, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("start loop: %w", ErrEmptyTask)
	}
	if existing, err := e.store.Read(); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("start loop: %w (iteration %d)", ErrLoopActive, existing.Iteration)
	}

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.cfg.DefaultMaxIterations
	}
	marker := opts.Marker
	if marker == "" {
		marker = e.cfg.DefaultMarker
	}

	st := &State{
		Active:           true,
		Iteration:        1,
		MaxIterations:    maxIterations,
		CompletionMarker: marker,
		StartedAt:        e.clock.Now(),
		Prompt:           task,
		SessionID:        sessionID,
	}
	if err := e.store.Write(st); err != nil {
		return nil, err
	}
	e.touch()

	e.notify(ctx, sessionID, fmt.Sprintf("Iteration loop started (max %d iterations).", maxIterations))
	e.send(ctx, sessionID, prompt.IterationStart(task, maxIterations, marker))
	e.record(ctx, journal.KindDecision, sessionID, "loop started",
		map[string]any{"max_iterations": maxIterations, "marker": marker})
	return st, nil
}

// OnSessionIdle runs one loop cycle: completion check, then the
// terminal-or-advance transition. Idle events inside the debounce or
// recovery windows, for other sessions, or without an active record are
// ignored silently.
func (e *Engine) OnSessionIdle(ctx context.Context, sessionID string) {
	e.mu.Lock()
	now := e.clock.Now()
	if now.Before(e.recoveringUntil) {
		e.mu.Unlock()
		return
	}
	if !e.lastActionAt.IsZero() && now.Sub(e.lastActionAt) < e.cfg.Debounce {
		e.mu.Unlock()
		return
	}
	// Claim the window before anything slow runs. A second idle racing
	// this cycle must fail the check above, not run its own cycle.
	e.lastActionAt = now
	e.mu.Unlock()

	st, err := e.store.Read()
	if err != nil {
		log.Printf("iterate: read state: %v", err)
		return
	}
	if st == nil {
		return
	}
	if st.SessionID != "" && st.SessionID != sessionID {
		return
	}

	complete, feedback, ok := e.checkCompletion(ctx, sessionID, st)
	if !ok {
		return
	}

	// The completion check called out to the host; the record may have
	// been cancelled, completed, or advanced while it ran. Act only if
	// it is still the one this cycle read.
	cur, err := e.store.Read()
	if err != nil || cur == nil || cur.Iteration != st.Iteration || cur.SessionID != st.SessionID {
		return
	}

	switch {
	case complete:
		if err := e.store.Delete(); err != nil {
			log.Printf("iterate: %v", err)
		}
		msg := fmt.Sprintf("Task completed after %d iteration(s).", st.Iteration)
		if strings.TrimSpace(feedback) != "" {
			msg += " " + strings.TrimSpace(feedback)
		}
		e.notify(ctx, sessionID, msg)
		e.record(ctx, journal.KindDecision, sessionID, "loop completed",
			map[string]any{"iteration": st.Iteration})
	case st.Iteration >= st.MaxIterations:
		if err := e.store.Delete(); err != nil {
			log.Printf("iterate: %v", err)
		}
		e.notify(ctx, sessionID, fmt.Sprintf("Loop stopped after %d iteration(s) without completion.", st.Iteration))
		e.record(ctx, journal.KindDecision, sessionID, "loop stopped at bound",
			map[string]any{"iteration": st.Iteration})
	default:
		st.Iteration++
		if err := e.store.Write(st); err != nil {
			log.Printf("iterate: %v", err)
			return
		}
		e.send(ctx, sessionID, prompt.IterationContinuation(st.Iteration, st.MaxIterations, feedback, st.CompletionMarker))
		e.record(ctx, journal.KindDecision, sessionID, "loop advanced",
			map[string]any{"iteration": st.Iteration, "max_iterations": st.MaxIterations})
	}
}

// CancelLoop deletes the record if it belongs to sessionID.
func (e *Engine) CancelLoop(ctx context.Context, sessionID string) Result {
	st, res := e.takeOwned(sessionID)
	if st == nil {
		return res
	}
	e.notify(ctx, sessionID, fmt.Sprintf("Iteration loop cancelled at iteration %d.", st.Iteration))
	e.record(ctx, journal.KindDecision, sessionID, "loop cancelled",
		map[string]any{"iteration": st.Iteration})
	return Result{Success: true, Message: fmt.Sprintf("cancelled at iteration %d", st.Iteration)}
}

// CompleteLoop is the out-of-band success path, e.g. when completion is
// signalled by a tool call instead of transcript text.
func (e *Engine) CompleteLoop(ctx context.Context, sessionID, summary string) Result {
	st, res := e.takeOwned(sessionID)
	if st == nil {
		return res
	}
	msg := fmt.Sprintf("Task completed after %d iteration(s).", st.Iteration)
	if strings.TrimSpace(summary) != "" {
		msg += " " + strings.TrimSpace(summary)
	}
	e.notify(ctx, sessionID, msg)
	e.record(ctx, journal.KindDecision, sessionID, "loop completed externally",
		map[string]any{"iteration": st.Iteration})
	return Result{Success: true, Message: fmt.Sprintf("completed at iteration %d", st.Iteration)}
}

// OnSessionDeleted drops the record only when it belongs to the
// deleted session.
func (e *Engine) OnSessionDeleted(sessionID string) {
	st, err := e.store.Read()
	if err != nil || st == nil {
		return
	}
	if st.SessionID != "" && st.SessionID != sessionID {
		return
	}
	if err := e.store.Delete(); err != nil {
		log.Printf("iterate: %v", err)
	}
}

// OnSessionError opens a transient recovery window during which idle
// events are ignored.
func (e *Engine) OnSessionError(sessionID string) {
	e.mu.Lock()
	e.recoveringUntil = e.clock.Now().Add(e.cfg.RecoveryWindow)
	e.mu.Unlock()
}

// OnStateRemoved journals an out-of-band end of the loop: the record
// disappeared underneath the engine, so the deletion itself already
// was the cancellation.
func (e *Engine) OnStateRemoved(ctx context.Context) {
	e.record(ctx, journal.KindDecision, "", "loop cancelled externally", nil)
}

// Status returns the active record, or nil.
func (e *Engine) Status() (*State, error) {
	return e.store.Read()
}

// checkCompletion returns (complete, feedback, ok). ok is false when
// the check itself failed and the cycle should be skipped with no state
// change.
func (e *Engine) checkCompletion(ctx context.Context, sessionID string, st *State) (bool, string, bool) {
	if e.eval != nil {
		transcript, err := e.host.Transcript(ctx, sessionID)
		if err != nil {
			log.Printf("iterate: fetch transcript: %v", err)
			transcript = ""
		}
		verdict, err := e.eval.Evaluate(ctx, evaluate.Input{
			SessionID:     sessionID,
			Iteration:     st.Iteration,
			MaxIterations: st.MaxIterations,
			Prompt:        st.Prompt,
			Transcript:    transcript,
		})
		if err != nil {
			log.Printf("iterate: %v", err)
			e.notify(ctx, sessionID, "Error during evaluation; will retry on the next idle.")
			return false, "", false
		}
		return verdict.IsComplete, verdict.Feedback, true
	}

	transcript, err := e.host.Transcript(ctx, sessionID)
	if err != nil {
		log.Printf("iterate: fetch transcript: %v", err)
		return false, "", true
	}
	return MarkerFound(transcript, st.CompletionMarker), "", true
}

// MarkerFound reports whether the transcript contains the completion
// wrapper around the configured marker. The marker is matched literally
// even when it contains pattern metacharacters.
func MarkerFound(transcript, marker string) bool {
	if marker == "" {
		return false
	}
	pattern := `(?is)<completion>\s*` + regexp.QuoteMeta(marker) + `\s*</completion>`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(transcript)
}

func (e *Engine) takeOwned(sessionID string) (*State, Result) {
	st, err := e.store.Read()
	if err != nil {
		return nil, Result{Success: false, Message: err.Error()}
	}
	if st == nil {
		return nil, Result{Success: false, Message: "no active loop"}
	}
	if st.SessionID != "" && st.SessionID != sessionID {
		return nil, Result{Success: false, Message: "loop belongs to another session"}
	}
	if err := e.store.Delete(); err != nil {
		return nil, Result{Success: false, Message: err.Error()}
	}
	e.touch()
	return st, Result{}
}

func (e *Engine) touch() {
	e.mu.Lock()
	e.lastActionAt = e.clock.Now()
	e.mu.Unlock()
}

func (e *Engine) send(ctx context.Context, sessionID, text string) {
	if err := e.host.SendInstruction(ctx, sessionID, text, host.SendOptions{}); err != nil {
		log.Printf("iterate: send instruction: %v", err)
		return
	}
	e.record(ctx, journal.KindInstruction, sessionID, "iteration instruction", nil)
}

func (e *Engine) notify(ctx context.Context, sessionID, text string) {
	if err := e.host.Notify(ctx, sessionID, text); err != nil {
		log.Printf("iterate: notify: %v", err)
		return
	}
	e.record(ctx, journal.KindNotice, sessionID, text, nil)
}

func (e *Engine) record(ctx context.Context, kind journal.Kind, sessionID, body string, metadata map[string]any) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Record(ctx, journal.Input{
		Kind:      kind,
		SessionID: sessionID,
		Subject:   "iterate",
		Body:      body,
		Metadata:  metadata,
	}); err != nil {
		log.Printf("iterate: journal: %v", err)
	}
}
