package coap

import "time"

// Timer is a handle to a single scheduled callback.
type Timer interface {
	// Cancel prevents the callback from firing, if it has not already.
	Cancel()
}

// Scheduler is the monotonic-clock abstraction of spec.md §1: it fires
// registered one-shot timers. Callbacks are not confined to one execution
// context: the default implementation (NewTimeScheduler) runs each one on a
// goroutine of its own, and the endpoint's retransmission callback takes
// the endpoint mutex itself. NewTimeScheduler wraps time.AfterFunc, which is
// the idiomatic stdlib primitive for a one-shot callback timer; no
// ecosystem library in the example pack offers a better fit for this.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

type stdTimer struct{ t *time.Timer }

func (s stdTimer) Cancel() { s.t.Stop() }

type stdScheduler struct{}

// NewTimeScheduler returns a Scheduler backed by time.AfterFunc.
func NewTimeScheduler() Scheduler { return stdScheduler{} }

func (stdScheduler) Schedule(d time.Duration, fn func()) Timer {
	return stdTimer{t: time.AfterFunc(d, fn)}
}
