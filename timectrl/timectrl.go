package timectrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SimClock gives read access to simulation time, so components can depend on
// a clock abstraction rather than the controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController paces simulation time.
type Mode int

const (
	// RealTime waits one wall-clock Tick per timestep.
	RealTime Mode = iota
	// Accelerated advances as quickly as the timesteps can be solved.
	Accelerated
)

// ParseMode maps "realtime" or "accelerated" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "realtime", "real-time", "real_time":
		return RealTime, nil
	case "accelerated", "":
		return Accelerated, nil
	default:
		return 0, fmt.Errorf("unknown time mode %q", s)
	}
}

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "accelerated"
}

// TimeController drives the zone timestep clock and notifies registered
// listeners every time it advances. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration // length of one zone timestep
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock to t without notifying listeners, e.g. at the
// start of a new environment.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked after every Step.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.listeners = append(tc.listeners, fn)
}

// Step advances the clock by one Tick and returns the new time.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	now := tc.currentTime
	tc.mu.Unlock()

	for _, fn := range tc.listeners {
		fn(now)
	}
	return now
}

// Run advances the clock steps times, calling fn with the step index and the
// time at the end of that timestep. It stops at the first error from fn or
// when ctx is done. In RealTime mode each step waits one wall-clock Tick.
func (tc *TimeController) Run(ctx context.Context, steps int, fn func(step int, now time.Time) error) error {
	var ticker *time.Ticker
	if tc.Mode == RealTime && tc.Tick > 0 {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		now := tc.Step()
		if err := fn(step, now); err != nil {
			return err
		}
	}
	return nil
}
