package journal

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/go-autopilot/internal/testutil"
)

func TestRecordAndList(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	jnl := New(db)
	ctx := context.Background()

	first, err := jnl.Record(ctx, Input{
		Kind:      KindEvent,
		SessionID: "s1",
		Subject:   "dispatch",
		Body:      "session.idle",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("entry not filled in: %+v", first)
	}

	if _, err := jnl.Record(ctx, Input{
		Kind:      KindInstruction,
		SessionID: "s1",
		Subject:   "continuation",
		Body:      "continuation instruction",
		Metadata:  map[string]any{"incomplete": 2},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := jnl.Record(ctx, Input{Kind: KindEvent, SessionID: "s2", Body: "session.idle"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := jnl.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Newest first.
	if all[2].ID != first.ID {
		t.Fatalf("oldest entry not last: %+v", all)
	}

	byKind, err := jnl.List(ctx, Filter{Kind: KindInstruction})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byKind) != 1 || byKind[0].Body != "continuation instruction" {
		t.Fatalf("byKind = %+v", byKind)
	}
	if got := byKind[0].Metadata["incomplete"]; got != float64(2) {
		t.Fatalf("metadata = %v", byKind[0].Metadata)
	}

	bySession, err := jnl.List(ctx, Filter{SessionID: "s2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bySession) != 1 {
		t.Fatalf("bySession = %+v", bySession)
	}

	limited, err := jnl.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %+v", limited)
	}
}

func TestRecordValidation(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	jnl := New(db)
	ctx := context.Background()

	if _, err := jnl.Record(ctx, Input{Body: "no kind"}); err == nil {
		t.Fatalf("expected error for missing kind")
	}
	if _, err := jnl.Record(ctx, Input{Kind: KindEvent}); err == nil {
		t.Fatalf("expected error for missing body")
	}
}

func TestSubscribe(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	jnl := New(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := jnl.Subscribe(ctx, nil)
	decisionsOnly := jnl.Subscribe(ctx, []Kind{KindDecision})

	if _, err := jnl.Record(context.Background(), Input{Kind: KindNotice, SessionID: "s1", Body: "hello"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := jnl.Record(context.Background(), Input{Kind: KindDecision, SessionID: "s1", Body: "loop started"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	want := []Kind{KindNotice, KindDecision}
	for _, kind := range want {
		select {
		case entry := <-all:
			if entry.Kind != kind {
				t.Fatalf("entry = %+v, want kind %q", entry, kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q entry", kind)
		}
	}

	select {
	case entry := <-decisionsOnly:
		if entry.Kind != KindDecision {
			t.Fatalf("filtered subscriber saw %q", entry.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for decision entry")
	}

	cancel()
	// The channel closes once the subscription context ends.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-decisionsOnly:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after cancel")
		}
	}
}
