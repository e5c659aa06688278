// Package sched provides the timer primitive the engines schedule on.
// Everything time-driven goes through a Clock so tests can run on virtual time.
package sched

import "time"

// Timer is a handle to a scheduled callback. Stop reports whether the
// callback was prevented from running; a false return means it already
// fired or was already stopped.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time and deferred execution.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Wall is the production Clock backed by the runtime timers.
type Wall struct{}

func (Wall) Now() time.Time {
	return time.Now().UTC()
}

func (Wall) AfterFunc(d time.Duration, fn func()) Timer {
	return wallTimer{time.AfterFunc(d, fn)}
}

type wallTimer struct {
	t *time.Timer
}

func (w wallTimer) Stop() bool {
	return w.t.Stop()
}
