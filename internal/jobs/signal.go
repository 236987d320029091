package jobs

import (
	"context"
	"sync"
	"time"
)

// Signal is a broadcast wakeup with a generation counter. Every Notify
// advances the generation; a Waiter only sleeps while the generation it last
// observed is still current, so a notify that lands between a waiter's check
// and its wait is never lost.
type Signal struct {
	mu  sync.Mutex
	gen uint64
	ch  chan struct{}
}

// NewSignal returns a ready Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Notify wakes every current waiter.
func (s *Signal) Notify() {
	s.mu.Lock()
	s.gen++
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Generation returns the current generation.
func (s *Signal) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Waiter returns a waiter that has observed the current generation.
func (s *Signal) Waiter() *Waiter {
	return &Waiter{sig: s, seen: s.Generation()}
}

// Waiter tracks the last generation a single goroutine has seen.
// A Waiter must not be shared between goroutines.
type Waiter struct {
	sig  *Signal
	seen uint64
}

// Wait blocks until the generation advances past the last observed one, the
// timeout elapses, or ctx is done. It reports whether a notification arrived.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) bool {
	w.sig.mu.Lock()
	if w.sig.gen != w.seen {
		w.seen = w.sig.gen
		w.sig.mu.Unlock()
		return true
	}
	ch := w.sig.ch
	w.sig.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	gen := w.sig.Generation()
	woke := gen != w.seen
	w.seen = gen
	return woke
}
