package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the read-only view of simulation time handed to code that
// reports on a run but must not advance it.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController paces simulation hours.
type Mode int

const (
	// RealTime waits Interval of wall-clock time between steps.
	RealTime Mode = iota
	// Accelerated steps as quickly as the loop can run.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// DefaultTick is the simulated duration of one controller step.
const DefaultTick = time.Hour

// TimeController maps discrete simulation steps onto simulation time and
// notifies registered listeners every time it advances.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// Interval is the wall-clock pause between steps in RealTime mode.
	Interval time.Duration

	currentTime time.Time
	steps       int

	listeners []func(time.Time)
}

// NewTimeController constructs a controller. A non-positive tick falls back
// to DefaultTick; Interval defaults to one second.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		Interval:    time.Second,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// Steps returns how many times Advance has been called.
func (tc *TimeController) Steps() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.steps
}

// AddListener registers a callback invoked on every Advance.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves simulation time forward by one Tick and notifies listeners
// with the new time.
func (tc *TimeController) Advance() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.steps++
	now := tc.currentTime
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Pace blocks until the next step may run. In Accelerated mode it only
// checks ctx; in RealTime mode it waits Interval.
func (tc *TimeController) Pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tc.Mode != RealTime || tc.Interval <= 0 {
		return nil
	}

	timer := time.NewTimer(tc.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
