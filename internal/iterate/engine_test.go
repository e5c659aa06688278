package iterate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/go-autopilot/internal/evaluate"
	"github.com/flitsinc/go-autopilot/internal/host"
	"github.com/flitsinc/go-autopilot/internal/journal"
	"github.com/flitsinc/go-autopilot/internal/sched"
	"github.com/flitsinc/go-autopilot/internal/testutil"
)

type fakeHost struct {
	mu            sync.Mutex
	transcript    string
	transcriptErr error
	instructions  []string
	notices       []string
}

func (f *fakeHost) Transcript(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript, f.transcriptErr
}

func (f *fakeHost) SendInstruction(ctx context.Context, sessionID, text string, opts host.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructions = append(f.instructions, text)
	return nil
}

func (f *fakeHost) Notify(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func (f *fakeHost) setTranscript(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = text
}

func (f *fakeHost) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.instructions...)
}

func (f *fakeHost) noticed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notices...)
}

// blockingHost parks completion checks inside Transcript until
// released, letting tests hold one idle cycle mid-flight.
type blockingHost struct {
	fakeHost
	entered chan struct{}
	release chan struct{}
}

func (b *blockingHost) Transcript(ctx context.Context, sessionID string) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeHost.Transcript(ctx, sessionID)
}

func newTestEngine(t *testing.T, fh Host, eval evaluate.Evaluator) (*Engine, *Store, *sched.Manual) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "loop.state"))
	clock := sched.NewManual(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC))
	eng := NewEngine(store, fh, eval, clock, nil, Config{
		Debounce:             5 * time.Second,
		RecoveryWindow:       15 * time.Second,
		DefaultMaxIterations: 10,
		DefaultMarker:        "DONE",
	})
	return eng, store, clock
}

func TestStartLoop(t *testing.T) {
	fh := &fakeHost{}
	eng, store, _ := newTestEngine(t, fh, nil)
	ctx := context.Background()

	st, err := eng.StartLoop(ctx, "s1", "Refactor the importer", Options{MaxIterations: 3, Marker: "SHIP"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Iteration != 1 || st.MaxIterations != 3 || st.CompletionMarker != "SHIP" {
		t.Fatalf("got %+v", st)
	}

	onDisk, err := store.Read()
	if err != nil || onDisk == nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if onDisk.SessionID != "s1" || onDisk.Prompt != "Refactor the importer" {
		t.Fatalf("got %+v", onDisk)
	}

	sent := fh.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "Refactor the importer") {
		t.Fatalf("instructions = %q", sent)
	}
	if !strings.Contains(sent[0], "<completion>SHIP</completion>") {
		t.Fatalf("initial instruction missing marker reminder: %q", sent[0])
	}

	if _, err := eng.StartLoop(ctx, "s1", "another task", Options{}); !errors.Is(err, ErrLoopActive) {
		t.Fatalf("second start: %v, want ErrLoopActive", err)
	}
}

func TestStartLoopRejectsEmptyTask(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeHost{}, nil)
	if _, err := eng.StartLoop(context.Background(), "s1", "   ", Options{}); !errors.Is(err, ErrEmptyTask) {
		t.Fatalf("empty task: %v, want ErrEmptyTask", err)
	}
}

func TestStartLoopDefaults(t *testing.T) {
	eng, store, _ := newTestEngine(t, &fakeHost{}, nil)
	if _, err := eng.StartLoop(context.Background(), "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, _ := store.Read()
	if st.MaxIterations != 10 || st.CompletionMarker != "DONE" {
		t.Fatalf("got %+v", st)
	}
}

func TestLoopAdvancesUntilBound(t *testing.T) {
	fh := &fakeHost{}
	eng, store, clock := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{MaxIterations: 3}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Iteration 1 -> 2 and 2 -> 3 advance; the idle after iteration 3
	// hits the bound and ends the loop.
	for want := 2; want <= 3; want++ {
		clock.Advance(6 * time.Second)
		eng.OnSessionIdle(ctx, "s1")
		st, _ := store.Read()
		if st == nil || st.Iteration != want {
			t.Fatalf("after idle: state = %+v, want iteration %d", st, want)
		}
	}

	clock.Advance(6 * time.Second)
	eng.OnSessionIdle(ctx, "s1")
	if st, _ := store.Read(); st != nil {
		t.Fatalf("loop should have stopped at the bound, state = %+v", st)
	}

	notices := fh.noticed()
	last := notices[len(notices)-1]
	if !strings.Contains(last, "stopped after 3 iteration(s)") {
		t.Fatalf("final notice = %q", last)
	}
	// Start + two continuations; nothing sent for the terminal idle.
	if sent := fh.sent(); len(sent) != 3 {
		t.Fatalf("instructions = %d, want 3", len(sent))
	}
}

func TestLoopCompletesOnMarker(t *testing.T) {
	fh := &fakeHost{}
	eng, store, clock := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{Marker: "SHIP"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	fh.setTranscript("work work\n<completion>SHIP</completion>\n")

	clock.Advance(6 * time.Second)
	eng.OnSessionIdle(ctx, "s1")

	if st, _ := store.Read(); st != nil {
		t.Fatalf("state survived completion: %+v", st)
	}
	notices := fh.noticed()
	last := notices[len(notices)-1]
	if !strings.Contains(last, "completed after 1 iteration(s)") {
		t.Fatalf("notice = %q", last)
	}
}

func TestIdleDebounced(t *testing.T) {
	fh := &fakeHost{}
	eng, store, clock := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A burst of idles immediately after the start is absorbed.
	eng.OnSessionIdle(ctx, "s1")
	eng.OnSessionIdle(ctx, "s1")
	clock.Advance(time.Second)
	eng.OnSessionIdle(ctx, "s1")

	if st, _ := store.Read(); st.Iteration != 1 {
		t.Fatalf("iteration = %d, want 1 (debounced)", st.Iteration)
	}

	clock.Advance(5 * time.Second)
	eng.OnSessionIdle(ctx, "s1")
	if st, _ := store.Read(); st.Iteration != 2 {
		t.Fatalf("iteration = %d, want 2", st.Iteration)
	}
}

func TestIdleIgnoredDuringRecovery(t *testing.T) {
	fh := &fakeHost{}
	eng, store, clock := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(6 * time.Second)

	eng.OnSessionError("s1")
	eng.OnSessionIdle(ctx, "s1")
	clock.Advance(10 * time.Second)
	eng.OnSessionIdle(ctx, "s1")
	if st, _ := store.Read(); st.Iteration != 1 {
		t.Fatalf("iteration = %d, want 1 during recovery window", st.Iteration)
	}

	clock.Advance(10 * time.Second)
	eng.OnSessionIdle(ctx, "s1")
	if st, _ := store.Read(); st.Iteration != 2 {
		t.Fatalf("iteration = %d, want 2 after recovery window", st.Iteration)
	}
}

func TestConcurrentIdlesRunOneCycle(t *testing.T) {
	bh := &blockingHost{entered: make(chan struct{}), release: make(chan struct{})}
	eng, store, clock := newTestEngine(t, bh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{MaxIterations: 5}); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(6 * time.Second)

	done := make(chan struct{})
	go func() {
		eng.OnSessionIdle(ctx, "s1")
		close(done)
	}()
	<-bh.entered

	// A second idle lands while the first cycle is still inside its
	// completion check. It must not run a cycle of its own.
	eng.OnSessionIdle(ctx, "s1")

	close(bh.release)
	<-done

	st, _ := store.Read()
	if st == nil || st.Iteration != 2 {
		t.Fatalf("state = %+v, want iteration 2", st)
	}
	// The start instruction plus exactly one continuation.
	if sent := bh.sent(); len(sent) != 2 {
		t.Fatalf("instructions = %d, want 2: %q", len(sent), sent)
	}
}

func TestCancelDuringCompletionCheck(t *testing.T) {
	bh := &blockingHost{entered: make(chan struct{}), release: make(chan struct{})}
	eng, store, clock := newTestEngine(t, bh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(6 * time.Second)

	done := make(chan struct{})
	go func() {
		eng.OnSessionIdle(ctx, "s1")
		close(done)
	}()
	<-bh.entered

	if res := eng.CancelLoop(ctx, "s1"); !res.Success {
		t.Fatalf("cancel: %+v", res)
	}

	close(bh.release)
	<-done

	// The parked cycle must notice the record is gone, not resurrect
	// it at iteration 2.
	if st, _ := store.Read(); st != nil {
		t.Fatalf("cancelled loop resurrected: %+v", st)
	}
	if sent := bh.sent(); len(sent) != 1 {
		t.Fatalf("instructions = %d, want only the start: %q", len(sent), sent)
	}
}

func TestIdleFromOtherSessionIgnored(t *testing.T) {
	fh := &fakeHost{}
	eng, store, clock := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(6 * time.Second)
	eng.OnSessionIdle(ctx, "s2")
	if st, _ := store.Read(); st.Iteration != 1 {
		t.Fatalf("a foreign session advanced the loop")
	}
}

func TestCancelLoop(t *testing.T) {
	fh := &fakeHost{}
	eng, store, _ := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if res := eng.CancelLoop(ctx, "s1"); res.Success {
		t.Fatalf("cancel with no loop must fail: %+v", res)
	}

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if res := eng.CancelLoop(ctx, "s2"); res.Success {
		t.Fatalf("cancel from a foreign session must fail: %+v", res)
	}
	if st, _ := store.Read(); st == nil {
		t.Fatalf("failed cancel deleted the state")
	}

	res := eng.CancelLoop(ctx, "s1")
	if !res.Success {
		t.Fatalf("cancel: %+v", res)
	}
	if st, _ := store.Read(); st != nil {
		t.Fatalf("state survived cancel")
	}
}

func TestCompleteLoop(t *testing.T) {
	fh := &fakeHost{}
	eng, store, _ := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	res := eng.CompleteLoop(ctx, "s1", "All tests green.")
	if !res.Success {
		t.Fatalf("complete: %+v", res)
	}
	if st, _ := store.Read(); st != nil {
		t.Fatalf("state survived completion")
	}
	notices := fh.noticed()
	last := notices[len(notices)-1]
	if !strings.Contains(last, "All tests green.") {
		t.Fatalf("notice = %q", last)
	}
}

func TestOnSessionDeleted(t *testing.T) {
	fh := &fakeHost{}
	eng, store, _ := newTestEngine(t, fh, nil)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	eng.OnSessionDeleted("s2")
	if st, _ := store.Read(); st == nil {
		t.Fatalf("foreign delete dropped the loop")
	}
	eng.OnSessionDeleted("s1")
	if st, _ := store.Read(); st != nil {
		t.Fatalf("state survived session delete")
	}
}

func TestEvaluatorVerdictDrivesLoop(t *testing.T) {
	fh := &fakeHost{transcript: "attempt one"}
	var calls int
	eval := evaluate.Func(func(ctx context.Context, in evaluate.Input) (evaluate.Verdict, error) {
		calls++
		if calls == 1 {
			return evaluate.Verdict{IsComplete: false, Feedback: "Edge case for empty input is unhandled."}, nil
		}
		return evaluate.Verdict{IsComplete: true, Feedback: "Looks complete."}, nil
	})
	eng, store, clock := newTestEngine(t, fh, eval)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{MaxIterations: 5}); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(6 * time.Second)
	eng.OnSessionIdle(ctx, "s1")
	st, _ := store.Read()
	if st == nil || st.Iteration != 2 {
		t.Fatalf("state = %+v, want iteration 2", st)
	}
	sent := fh.sent()
	if !strings.Contains(sent[len(sent)-1], "Edge case for empty input is unhandled.") {
		t.Fatalf("continuation missing evaluator feedback: %q", sent[len(sent)-1])
	}

	clock.Advance(6 * time.Second)
	eng.OnSessionIdle(ctx, "s1")
	if st, _ := store.Read(); st != nil {
		t.Fatalf("state survived evaluator completion: %+v", st)
	}
}

func TestEvaluatorErrorSkipsCycle(t *testing.T) {
	fh := &fakeHost{}
	eval := evaluate.Func(func(ctx context.Context, in evaluate.Input) (evaluate.Verdict, error) {
		return evaluate.Verdict{}, errors.New("upstream unavailable")
	})
	eng, store, clock := newTestEngine(t, fh, eval)
	ctx := context.Background()

	if _, err := eng.StartLoop(ctx, "s1", "task", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(6 * time.Second)
	eng.OnSessionIdle(ctx, "s1")

	// The failed check must not advance, complete, or delete the loop.
	st, _ := store.Read()
	if st == nil || st.Iteration != 1 {
		t.Fatalf("state = %+v, want untouched iteration 1", st)
	}
	notices := fh.noticed()
	last := notices[len(notices)-1]
	if !strings.Contains(last, "Error during evaluation") {
		t.Fatalf("notice = %q", last)
	}
}

func TestOnStateRemovedJournals(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	jnl := journal.New(db)

	store := NewStore(filepath.Join(t.TempDir(), "loop.state"))
	clock := sched.NewManual(time.Now())
	eng := NewEngine(store, &fakeHost{}, nil, clock, jnl, Config{})
	ctx := context.Background()

	eng.OnStateRemoved(ctx)

	entries, err := jnl.List(ctx, journal.Filter{Kind: journal.KindDecision})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Body != "loop cancelled externally" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestMarkerFound(t *testing.T) {
	cases := []struct {
		name       string
		transcript string
		marker     string
		want       bool
	}{
		{"exact", "<completion>DONE</completion>", "DONE", true},
		{"case insensitive wrapper", "<COMPLETION>DONE</COMPLETION>", "DONE", true},
		{"surrounding whitespace", "<completion>\n  DONE\n</completion>", "DONE", true},
		{"embedded in text", "blah\n<completion>DONE</completion>\nblah", "DONE", true},
		{"metacharacters literal", "<completion>A.B*</completion>", "A.B*", true},
		{"metacharacters must not widen", "<completion>AxB*</completion>", "A.B*", false},
		{"bare marker without wrapper", "DONE", "DONE", false},
		{"wrong marker", "<completion>NOPE</completion>", "DONE", false},
		{"empty marker never matches", "<completion></completion>", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MarkerFound(tc.transcript, tc.marker); got != tc.want {
				t.Fatalf("MarkerFound(%q, %q) = %v, want %v", tc.transcript, tc.marker, got, tc.want)
			}
		})
	}
}
