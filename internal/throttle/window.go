package throttle

import (
	"context"
	"sync"
	"time"
)

// Window admits at most Limit events in any rolling Period. Callers that arrive while the
// window is full wait until the oldest event ages out. Admission is FIFO for callers that
// serialize on the same Window.
type Window struct {
	limit  int
	period time.Duration

	mu     sync.Mutex
	events []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Window)

// WithClock replaces the time source and the sleep used while waiting for a slot.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

func NewWindow(limit int, period time.Duration, opts ...Option) *Window {
	if limit < 1 {
		limit = 1
	}
	if period <= 0 {
		period = time.Second
	}
	w := &Window{
		limit:  limit,
		period: period,
		events: make([]time.Time, 0, limit),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait blocks until a slot is free, then records the send.
func (w *Window) Wait(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := w.now()
		w.expire(now)
		if len(w.events) < w.limit {
			w.events = append(w.events, now)
			return nil
		}
		wait := w.events[0].Add(w.period).Sub(now)
		if wait <= 0 {
			continue
		}
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Allow records a send if one is available right now, without waiting.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.expire(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// InWindow reports how many sends are counted in the current rolling window.
func (w *Window) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(w.now())
	return len(w.events)
}

func (w *Window) Limit() int { return w.limit }

func (w *Window) Period() time.Duration { return w.period }

func (w *Window) expire(now time.Time) {
	cut := 0
	for cut < len(w.events) && !now.Before(w.events[cut].Add(w.period)) {
		cut++
	}
	if cut > 0 {
		w.events = append(w.events[:0], w.events[cut:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
