package readiness

import (
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/ports"
	"context"
	"errors"
	"fmt"
	"time"
)

const DefaultPollInterval = 150 * time.Millisecond

var (
	ErrNotLaidOut   = errors.New("page has no layout size")
	ErrStillLoading = errors.New("page is still loading")
	ErrPageNotReady = errors.New("document is not ready")
)

// TimeoutError reports which readiness condition was still failing at the deadline.
type TimeoutError struct {
	Reason   error
	Last     entity.PageReadiness
	ProbeErr error
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%v after %s (size %.0fx%.0f, loading=%t, readyState=%q)",
		e.Reason, e.Elapsed.Round(time.Millisecond), e.Last.Width, e.Last.Height, e.Last.Loading, e.Last.ReadyState)

	if e.ProbeErr != nil {
		msg += fmt.Sprintf(": last probe failed: %v", e.ProbeErr)
	}

	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.Reason
}

type Waiter struct {
	interval time.Duration
}

func NewWaiter(interval time.Duration) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Waiter{interval: interval}
}

// Wait polls page until it is laid out, not loading and interactive, or the timeout
// elapses. Deadlines use time.Since, which reads the monotonic clock.
// A cancelled ctx returns ctx.Err() unwrapped.
func (w *Waiter) Wait(ctx context.Context, page ports.Page, timeout time.Duration) error {
	start := time.Now()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		last     entity.PageReadiness
		probeErr error
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, err := page.Readiness(ctx)
		if err == nil {
			last, probeErr = state, nil

			if state.Ready() {
				return nil
			}
		} else {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			probeErr = err
		}

		elapsed := time.Since(start)
		if elapsed >= timeout {
			return &TimeoutError{
				Reason:   Classify(last, probeErr),
				Last:     last,
				ProbeErr: probeErr,
				Elapsed:  elapsed,
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Classify names the first failing condition, in the order layout, loading, ready-state.
func Classify(state entity.PageReadiness, probeErr error) error {
	switch {
	case probeErr != nil:
		return ErrPageNotReady
	case !state.LaidOut():
		return ErrNotLaidOut
	case state.Loading:
		return ErrStillLoading
	default:
		return ErrPageNotReady
	}
}
