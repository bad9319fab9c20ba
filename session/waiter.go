package session

import "sync"

// Waiter is a one-shot signal registered against a playback,
// recording, or operator-answered id before the telephony call that
// will produce that id is issued (spec.md §9).
type Waiter struct {
	ch   chan any
	once sync.Once
}

// NewWaiter constructs an unfired Waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan any, 1)}
}

// Fire wakes the waiter with a payload (e.g. a recording reference,
// or nil for a plain "finished" signal). Safe to call at most its
// effect is observed once; subsequent calls are no-ops.
func (w *Waiter) Fire(payload any) {
	w.once.Do(func() { w.ch <- payload })
}

// C returns the channel a waiting goroutine should select on.
func (w *Waiter) C() <-chan any { return w.ch }
