// Package throttle coalesces high-frequency writes (cursor moves, in-progress shape
// geometry) into at most one call per interval. The first call in a quiet period runs
// immediately; calls inside the interval collapse into a single trailing call carrying
// the latest value.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval matches roughly one write per animation frame at 30fps.
const DefaultInterval = 33 * time.Millisecond

// Timer is the subset of *time.Timer the throttle needs.
type Timer interface {
	Stop() bool
}

// Config controls the timing source. Zero values fall back to the wall clock.
type Config struct {
	Interval  time.Duration
	Clock     func() time.Time
	AfterFunc func(time.Duration, func()) Timer
}

// Throttle is a leading/trailing coalescer for values of type T.
type Throttle[T any] struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	clock      func() time.Time
	afterFunc  func(time.Duration, func()) Timer
	fn         func(T)
	pending    *T
	timer      Timer
	generation uint64
}

// New builds a throttle invoking fn. An Interval of zero or less disables throttling.
func New[T any](cfg Config, fn func(T)) *Throttle[T] {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	return &Throttle[T]{
		limiter:   rate.NewLimiter(limit, 1),
		clock:     clock,
		afterFunc: afterFunc,
		fn:        fn,
	}
}

// Call submits a value. It runs fn synchronously when the interval has elapsed since
// the last run, otherwise it replaces the pending trailing value.
func (t *Throttle[T]) Call(value T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if t.timer == nil && t.limiter.AllowN(now, 1) {
		t.fn(value)
		return
	}

	t.pending = &value
	if t.timer != nil {
		return
	}
	delay := t.limiter.ReserveN(now, 1).DelayFrom(now)
	generation := t.generation
	t.timer = t.afterFunc(delay, func() {
		t.fire(generation)
	})
}

// Flush runs the pending trailing value now, if any.
func (t *Throttle[T]) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimerLocked()
	if t.pending != nil {
		value := *t.pending
		t.pending = nil
		t.fn(value)
	}
}

// Cancel drops the pending trailing value. After Cancel returns no previously
// submitted value will be delivered.
func (t *Throttle[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimerLocked()
	t.pending = nil
}

// Pending reports whether a trailing call is scheduled.
func (t *Throttle[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Throttle[T]) fire(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if generation != t.generation {
		return
	}
	t.timer = nil
	t.generation++
	if t.pending == nil {
		return
	}
	value := *t.pending
	t.pending = nil
	t.fn(value)
}

func (t *Throttle[T]) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
}
