package poll

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go/v4"
)

const defaultInterval = 15 * time.Second

var (
	// ErrNotReady is returned by a check to ask for another attempt.
	ErrNotReady = errors.New("condition not met yet")
	// ErrDeadlineExceeded means the policy timeout elapsed while the
	// parent context was still alive.
	ErrDeadlineExceeded = errors.New("poll deadline exceeded")
)

type Check func(ctx context.Context) error

// Policy bounds a wait by wall clock only: attempts are unbounded.
type Policy struct {
	Timeout  time.Duration
	Interval time.Duration
	OnWait   func(attempt uint, err error)
}

func (p Policy) interval() time.Duration {
	if p.Interval <= 0 {
		return defaultInterval
	}
	return p.Interval
}

// Until runs check until it returns nil. Errors not wrapping ErrNotReady
// stop the loop and are returned as is.
func Until(ctx context.Context, policy Policy, check Check) error {
	waitCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	err := retry.Do(
		func() error {
			return check(waitCtx)
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(policy.interval()),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrNotReady)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			if policy.OnWait != nil {
				policy.OnWait(attempt, err)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return err
}
