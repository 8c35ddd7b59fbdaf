// Package retry runs flaky operations a bounded number of times with a
// fixed pause between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	logx "patchwatch/pkg/logx"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 2 * time.Second
)

// Sleep waits for d or until ctx ends. Tests swap it to avoid real delays.
type Sleep func(ctx context.Context, d time.Duration) error

// ContextSleep is the real Sleep.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Policy struct {
	Attempts int
	Delay    time.Duration
	Sleep    Sleep
	Log      logx.Logger
}

// Do calls op up to p.Attempts times. Every error is retryable. The last
// error is returned as-is so callers can match it with errors.Is/As.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	var zero T
	var lastErr error
	for i := 1; i <= attempts; i++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts {
			break
		}
		p.Log.Warn("attempt failed; retrying",
			logx.Int("attempt", i),
			logx.Int("max_attempts", attempts),
			logx.Duration("delay", p.Delay),
			logx.Err(err),
		)
		if serr := sleep(ctx, p.Delay); serr != nil {
			return zero, errors.Join(lastErr, serr)
		}
	}
	p.Log.Warn("all attempts failed", logx.Int("max_attempts", attempts), logx.Err(lastErr))
	return zero, lastErr
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
