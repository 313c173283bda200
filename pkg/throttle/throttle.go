// Package throttle delays work so that it runs inside a safe sub-window of each
// wall-clock minute.
//
// Systems that aggregate data per minute see boundary effects around :00. A boundary
// of b seconds keeps execution inside [b, 60-b) of the current UTC minute.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/raulk/clock"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/apperrors"
)

// MaxBoundary is the exclusive upper bound for a boundary value.
const MaxBoundary = 30

// Validate reports whether boundary is usable. Zero disables throttling.
func Validate(boundary int) error {
	if boundary == 0 {
		return nil
	}
	if boundary < 1 || boundary >= MaxBoundary {
		return fmt.Errorf("%w: got %d", apperrors.ErrInvalidBoundary, boundary)
	}
	return nil
}

// Delay returns how long to wait from now so that execution resumes inside the
// safe window. Fractional seconds are ignored.
func Delay(now time.Time, boundary int) (time.Duration, error) {
	if err := Validate(boundary); err != nil {
		return 0, err
	}
	if boundary == 0 {
		return 0, nil
	}

	s := now.UTC().Second()
	switch {
	case s >= boundary && s < 60-boundary:
		return 0, nil
	case s < boundary:
		return time.Duration(boundary-s) * time.Second, nil
	default:
		return time.Duration(2*boundary+60-s) * time.Second, nil
	}
}

// Throttle applies Delay against a clock. It holds no state besides the clock and
// is safe for concurrent use.
type Throttle struct {
	clock clock.Clock
}

// New creates a Throttle. A nil clock uses the system clock.
func New(clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{clock: clk}
}

// Delay computes the wait for boundary against the current clock reading.
func (t *Throttle) Delay(boundary int) (time.Duration, error) {
	return Delay(t.clock.Now(), boundary)
}

// Wait suspends the caller until the safe window for boundary is reached.
// It returns early with the context error if ctx is done first.
func (t *Throttle) Wait(ctx context.Context, boundary int) error {
	d, err := t.Delay(boundary)
	if err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := t.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
