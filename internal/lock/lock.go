package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const releaseTimeout = 10 * time.Second

type Handle interface {
	Release(ctx context.Context) error
}

// Locker is a lock store shared by every deployer process.
// Acquire must return *models.LockTimeoutError when wait elapses.
type Locker interface {
	Acquire(ctx context.Context, name string, wait time.Duration) (Handle, error)
}

// Guard decides once, at construction, whether runs are serialized.
type Guard struct {
	locker Locker
	name   string
	wait   time.Duration
	log    zerolog.Logger
}

func NewGuard(locker Locker, name string, wait time.Duration, logger zerolog.Logger) *Guard {
	return &Guard{
		locker: locker,
		name:   name,
		wait:   wait,
		log:    logger.With().Str("component", "deploy-lock").Str("lock", name).Logger(),
	}
}

// Unlocked runs every body without exclusion.
func Unlocked(logger zerolog.Logger) *Guard {
	return NewGuard(nil, "", 0, logger)
}

func (g *Guard) LockingEnabled() bool {
	return g.locker != nil
}

// WithLock runs body while holding the guard's lock. The lock is released
// exactly once on every exit path, including panics and cancellation.
func WithLock[T any](ctx context.Context, g *Guard, body func(ctx context.Context) (T, error)) (result T, err error) {
	if !g.LockingEnabled() {
		g.log.Warn().Msg(
			"no lock store configured, deploying without locking: " +
				"two or more simultaneous deploys could detach every instance from a load balancer",
		)
		return body(ctx)
	}

	g.log.Info().Msgf("waiting for deploy lock (timeout %s)...", g.wait)
	handle, err := g.locker.Acquire(ctx, g.name, g.wait)
	if err != nil {
		return result, err
	}
	g.log.Info().Msg("got lock, running deploy")

	defer func() {
		g.log.Info().Msg("releasing deploy lock...")
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		relErr := handle.Release(releaseCtx)
		if relErr != nil {
			g.log.Error().Err(relErr).Msg("failed to release deploy lock")
			err = errors.Join(err, fmt.Errorf("failed to release deploy lock %s: %w", g.name, relErr))
			return
		}
		g.log.Info().Msg("lock released")
	}()

	return body(ctx)
}
