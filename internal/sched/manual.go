package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock for tests. Time only moves when Advance is called;
// due callbacks run synchronously on the advancing goroutine, in
// deadline order. Callbacks may schedule further timers.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	owner    *Manual
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
	fired    bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, deadline: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose
// deadline falls within the window. The clock reads as each timer's
// deadline while its callback runs.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}
		next.fired = true
		m.now = next.deadline
		m.mu.Unlock()
		next.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// Pending returns the number of timers that are scheduled and not yet
// fired or stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.fired && !t.stopped && !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
