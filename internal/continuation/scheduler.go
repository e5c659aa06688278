// Package continuation watches sessions with an open task list and,
// when one goes idle, counts down toward re-injecting a "keep going"
// instruction. Every deferred action re-validates its preconditions at
// fire time; state observed at schedule time is never trusted.
package continuation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flitsinc/go-autopilot/internal/classify"
	"github.com/flitsinc/go-autopilot/internal/host"
	"github.com/flitsinc/go-autopilot/internal/journal"
	"github.com/flitsinc/go-autopilot/internal/prompt"
	"github.com/flitsinc/go-autopilot/internal/sched"
)

// Host is the slice of the host API the continuation engine needs.
// *host.Client satisfies it.
type Host interface {
	TaskItems(ctx context.Context, sessionID string) ([]host.TaskItem, error)
	SendInstruction(ctx context.Context, sessionID, text string, opts host.SendOptions) error
	Notify(ctx context.Context, sessionID, text string) error
	ShowCountdown(ctx context.Context, title, text, severity string, duration time.Duration) error
}

type Config struct {
	// Countdown is the delay between an idle session with incomplete
	// items and the continuation instruction.
	Countdown time.Duration
	// Cooldown suppresses automatic action after any session error.
	Cooldown time.Duration
	// Tick is the interval between countdown notice updates.
	Tick time.Duration
	// CallTimeout bounds host calls made from timer callbacks, which
	// have no inbound request context.
	CallTimeout time.Duration
}

func (c *Config) fill() {
	if c.Countdown <= 0 {
		c.Countdown = 10 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
}

// Scheduler holds the one per-session state table. Construct exactly
// one per process and inject it everywhere; two schedulers over the
// same sessions would fight over countdowns.
type Scheduler struct {
	host    Host
	clock   sched.Clock
	journal *journal.Journal
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState has no single status enum; the booleans and handles
// together are the state.
type sessionState struct {
	lastErrorAt         time.Time // zero = no recent error
	countdown           *countdown
	recovering          bool
	completionShown     bool
	pendingCancellation bool

	lastMessageID string
	lastMessageAt time.Time
	seenMessage   bool
}

// countdown is one countdown cycle. Timer callbacks compare the cycle
// pointer they captured against the session's current one, so a
// cancelled cycle's late fire is inert.
type countdown struct {
	fire      sched.Timer
	tick      sched.Timer
	remaining int
}

func NewScheduler(h Host, clock sched.Clock, jnl *journal.Journal, cfg Config) *Scheduler {
	cfg.fill()
	return &Scheduler{
		host:     h,
		clock:    clock,
		journal:  jnl,
		cfg:      cfg,
		sessions: map[string]*sessionState{},
	}
}

// OnSessionIdle decides whether the idle session needs a countdown, a
// one-time "all complete" notice, or nothing.
func (s *Scheduler) OnSessionIdle(ctx context.Context, sessionID string) {
	s.mu.Lock()
	st := s.state(sessionID)
	if st.recovering || s.inCooldownLocked(st) || st.pendingCancellation {
		s.mu.Unlock()
		return
	}
	if st.countdown != nil {
		// Already counting down; overlapping idle events must not
		// double-schedule.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	items, err := s.host.TaskItems(ctx, sessionID)
	if err != nil {
		log.Printf("continuation: fetch task items: %v", err)
		items = nil
	}
	incomplete := host.FilterIncomplete(items)

	s.mu.Lock()
	st = s.state(sessionID)
	// The fetch suspended us; re-validate everything.
	if st.recovering || s.inCooldownLocked(st) || st.pendingCancellation || st.countdown != nil {
		s.mu.Unlock()
		return
	}
	if len(incomplete) == 0 {
		if st.completionShown {
			s.mu.Unlock()
			return
		}
		st.completionShown = true
		s.mu.Unlock()
		s.notify(ctx, sessionID, "All task items are complete.")
		s.record(ctx, journal.KindDecision, sessionID, "task list complete", nil)
		return
	}
	st.completionShown = false
	cd := s.startCountdownLocked(sessionID, st)
	s.mu.Unlock()

	s.showCountdown(ctx, len(incomplete), cd.remaining)
	s.record(ctx, journal.KindDecision, sessionID, "countdown started",
		map[string]any{"incomplete": len(incomplete), "seconds": cd.remaining})
}

// OnSessionError clears any countdown and opens the cooldown window.
// The "interrupted" notice is gated on classification; the cooldown is
// not.
func (s *Scheduler) OnSessionError(ctx context.Context, sessionID string, errInfo classify.ErrorInfo) {
	s.mu.Lock()
	st := s.state(sessionID)
	s.cancelCountdownLocked(st)
	st.lastErrorAt = s.clock.Now()
	s.mu.Unlock()

	if classify.IsInterruption(errInfo) {
		s.notify(ctx, sessionID, "Session interrupted; automatic continuation paused.")
		s.record(ctx, journal.KindDecision, sessionID, "interruption detected", nil)
	}
}

// OnUserMessage handles a user message update. Duplicate or
// out-of-order deliveries are dropped before any state changes.
func (s *Scheduler) OnUserMessage(ctx context.Context, sessionID, messageID string, timestamp time.Time, text string, errInfo *classify.ErrorInfo) {
	s.mu.Lock()
	st := s.state(sessionID)

	if messageID != "" && messageID == st.lastMessageID {
		s.mu.Unlock()
		return
	}
	if st.seenMessage && !timestamp.IsZero() && !timestamp.After(st.lastMessageAt) {
		s.mu.Unlock()
		return
	}
	if messageID != "" {
		st.lastMessageID = messageID
	}
	if !timestamp.IsZero() {
		st.lastMessageAt = timestamp
	}
	st.seenMessage = true

	if errInfo != nil && classify.IsInterruption(*errInfo) {
		s.cancelPendingLocked(st)
		s.mu.Unlock()
		s.record(ctx, journal.KindDecision, sessionID, "countdown cancelled: interruption", nil)
		return
	}
	if classify.IsCancellationRequest(text) {
		s.cancelPendingLocked(st)
		s.mu.Unlock()
		s.record(ctx, journal.KindDecision, sessionID, "countdown cancelled: user request", nil)
		return
	}

	// Ordinary message: the user took over. Drop any countdown but
	// also clear cooldown and pending-cancellation so future idles can
	// act again.
	s.cancelCountdownLocked(st)
	st.lastErrorAt = time.Time{}
	st.pendingCancellation = false
	s.mu.Unlock()
}

// OnSessionDeleted cancels timers and forgets the session entirely.
func (s *Scheduler) OnSessionDeleted(sessionID string) {
	s.mu.Lock()
	if st, ok := s.sessions[sessionID]; ok {
		s.cancelCountdownLocked(st)
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
}

// MarkRecovering blocks all automatic action for the session until
// MarkRecoveryComplete. Any live countdown is cancelled.
func (s *Scheduler) MarkRecovering(sessionID string) {
	s.mu.Lock()
	st := s.state(sessionID)
	st.recovering = true
	s.cancelCountdownLocked(st)
	s.mu.Unlock()
}

func (s *Scheduler) MarkRecoveryComplete(sessionID string) {
	s.mu.Lock()
	s.state(sessionID).recovering = false
	s.mu.Unlock()
}

// Recovering reports the override flag, for the API surface.
func (s *Scheduler) Recovering(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.recovering
	}
	return false
}

// state returns the session's record, creating it lazily. Caller holds
// the lock.
func (s *Scheduler) state(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	return st
}

func (s *Scheduler) inCooldownLocked(st *sessionState) bool {
	return !st.lastErrorAt.IsZero() && s.clock.Now().Sub(st.lastErrorAt) < s.cfg.Cooldown
}

// cancelPendingLocked is the atomic-cancel primitive: stop the
// countdown and latch pendingCancellation in the same critical section,
// with no host call in between. A countdown callback that already fired
// into its task re-fetch will observe the flag and do nothing.
func (s *Scheduler) cancelPendingLocked(st *sessionState) {
	s.cancelCountdownLocked(st)
	st.pendingCancellation = true
	st.lastErrorAt = s.clock.Now()
}

func (s *Scheduler) cancelCountdownLocked(st *sessionState) {
	if st.countdown == nil {
		return
	}
	st.countdown.fire.Stop()
	if st.countdown.tick != nil {
		st.countdown.tick.Stop()
	}
	st.countdown = nil
}

func (s *Scheduler) startCountdownLocked(sessionID string, st *sessionState) *countdown {
	cd := &countdown{remaining: int(s.cfg.Countdown / s.cfg.Tick)}
	st.countdown = cd
	cd.fire = s.clock.AfterFunc(s.cfg.Countdown, func() {
		s.fireCountdown(sessionID, cd)
	})
	cd.tick = s.clock.AfterFunc(s.cfg.Tick, func() {
		s.tickCountdown(sessionID, cd)
	})
	return cd
}

// tickCountdown updates the visible countdown once per tick while the
// cycle is still the session's current one.
func (s *Scheduler) tickCountdown(sessionID string, cd *countdown) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || st.countdown != cd {
		s.mu.Unlock()
		return
	}
	cd.remaining--
	remaining := cd.remaining
	if remaining > 0 {
		cd.tick = s.clock.AfterFunc(s.cfg.Tick, func() {
			s.tickCountdown(sessionID, cd)
		})
	}
	s.mu.Unlock()

	if remaining > 0 {
		ctx, cancel := s.callContext()
		defer cancel()
		s.showCountdown(ctx, 0, remaining)
	}
}

// fireCountdown is the deferred action at the end of a countdown. It
// re-checks the cancellation state both before and after the task list
// re-fetch: the list may have changed during the wait, and a
// cancellation may land while the fetch is in flight.
func (s *Scheduler) fireCountdown(sessionID string, cd *countdown) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || st.countdown != cd {
		s.mu.Unlock()
		return
	}
	s.cancelCountdownLocked(st)
	if st.pendingCancellation || st.recovering {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := s.callContext()
	defer cancel()

	items, err := s.host.TaskItems(ctx, sessionID)
	if err != nil {
		log.Printf("continuation: fetch task items: %v", err)
		items = nil
	}
	incomplete := host.FilterIncomplete(items)

	s.mu.Lock()
	st, ok = s.sessions[sessionID]
	if !ok || st.pendingCancellation || st.recovering {
		s.mu.Unlock()
		return
	}
	if len(incomplete) == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	text := prompt.Continuation(incomplete)
	if err := s.host.SendInstruction(ctx, sessionID, text, host.SendOptions{}); err != nil {
		log.Printf("continuation: send instruction: %v", err)
		return
	}
	s.record(ctx, journal.KindInstruction, sessionID, "continuation instruction",
		map[string]any{"incomplete": len(incomplete)})
}

func (s *Scheduler) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.CallTimeout)
}

func (s *Scheduler) showCountdown(ctx context.Context, incomplete, remaining int) {
	text := fmt.Sprintf("Continuing in %ds", remaining)
	if incomplete > 0 {
		text = fmt.Sprintf("%d task item(s) incomplete. %s", incomplete, text)
	}
	if err := s.host.ShowCountdown(ctx, "Autopilot", text, host.SeverityInfo, s.cfg.Tick); err != nil {
		log.Printf("continuation: show countdown: %v", err)
	}
}

func (s *Scheduler) notify(ctx context.Context, sessionID, text string) {
	if err := s.host.Notify(ctx, sessionID, text); err != nil {
		log.Printf("continuation: notify: %v", err)
		return
	}
	s.record(ctx, journal.KindNotice, sessionID, text, nil)
}

func (s *Scheduler) record(ctx context.Context, kind journal.Kind, sessionID, body string, metadata map[string]any) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Record(ctx, journal.Input{
		Kind:      kind,
		SessionID: sessionID,
		Subject:   "continuation",
		Body:      body,
		Metadata:  metadata,
	}); err != nil {
		log.Printf("continuation: journal: %v", err)
	}
}
