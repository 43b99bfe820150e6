// Package pacing provides randomized delay ranges and context-aware pauses
// used to keep request patterns from bursting.
package pacing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Range is a half-open jitter interval [Min, Max).
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Draw returns a uniformly random duration in [Min, Max). A degenerate range
// returns Min.
func (r Range) Draw() time.Duration {
	if r.Max <= r.Min {
		return max(r.Min, 0)
	}
	return r.Min + time.Duration(rand.Int64N(int64(r.Max-r.Min)))
}

// Validate rejects negative or inverted ranges.
func (r Range) Validate() error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("jitter range %s must not be negative", r)
	}
	if r.Max < r.Min {
		return fmt.Errorf("jitter range %s has max below min", r)
	}
	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Min, r.Max)
}

// Pauser abstracts how callers suspend between operations.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauser sleeps on a timer and wakes early when ctx is done.
type TimerPauser struct{}

// Pause blocks for delay or until ctx is done, returning ctx.Err() in the latter case.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoPause returns immediately unless ctx is already done.
type NoPause struct{}

// Pause implements Pauser.
func (NoPause) Pause(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
