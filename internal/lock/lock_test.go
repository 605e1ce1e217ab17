package lock_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/storage/inmemory"
)

type failingRelease struct{}

func (failingRelease) Release(context.Context) error {
	return errors.New("connection reset")
}

type failingReleaseLocker struct{}

func (failingReleaseLocker) Acquire(context.Context, string, time.Duration) (lock.Handle, error) {
	return failingRelease{}, nil
}

func TestWithLockReleasesAfterBody(t *testing.T) {
	locker := inmemory.NewLocker()
	guard := lock.NewGuard(locker, "deploy", time.Second, zerolog.Nop())

	res, err := lock.WithLock(context.Background(), guard, func(context.Context) (int, error) {
		acquired, released := locker.Stats()
		assert.Equal(t, 1, acquired)
		assert.Equal(t, 0, released)
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, res)
	acquired, released := locker.Stats()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}

func TestWithLockReleasesOnError(t *testing.T) {
	locker := inmemory.NewLocker()
	guard := lock.NewGuard(locker, "deploy", time.Second, zerolog.Nop())
	boom := errors.New("deploy failed")

	_, err := lock.WithLock(context.Background(), guard, func(context.Context) (struct{}, error) {
		return struct{}{}, boom
	})

	assert.ErrorIs(t, err, boom)
	_, released := locker.Stats()
	assert.Equal(t, 1, released)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	locker := inmemory.NewLocker()
	guard := lock.NewGuard(locker, "deploy", time.Second, zerolog.Nop())

	assert.Panics(t, func() {
		_, _ = lock.WithLock(context.Background(), guard, func(context.Context) (struct{}, error) {
			panic("unexpected")
		})
	})
	_, released := locker.Stats()
	assert.Equal(t, 1, released)
}

func TestWithLockSerializesBodies(t *testing.T) {
	var (
		locker = inmemory.NewLocker()
		guard  = lock.NewGuard(locker, "deploy", time.Second, zerolog.Nop())
		mu     sync.Mutex
		inside int
		maxIn  int
		wg     sync.WaitGroup
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lock.WithLock(context.Background(), guard, func(context.Context) (struct{}, error) {
				mu.Lock()
				inside++
				maxIn = max(maxIn, inside)
				mu.Unlock()

				time.Sleep(30 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxIn)
}

func TestWithLockTimeoutSkipsBody(t *testing.T) {
	locker := inmemory.NewLocker()
	holder, err := locker.Acquire(context.Background(), "deploy", time.Second)
	require.NoError(t, err)
	defer holder.Release(context.Background())

	guard := lock.NewGuard(locker, "deploy", 20*time.Millisecond, zerolog.Nop())
	ran := false
	_, err = lock.WithLock(context.Background(), guard, func(context.Context) (struct{}, error) {
		ran = true
		return struct{}{}, nil
	})

	var timeoutErr *models.LockTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
	assert.False(t, ran)
}

func TestUnlockedRunsImmediatelyWithWarning(t *testing.T) {
	var buf bytes.Buffer
	guard := lock.Unlocked(zerolog.New(&buf))
	ran := false

	_, err := lock.WithLock(context.Background(), guard, func(context.Context) (struct{}, error) {
		ran = true
		return struct{}{}, nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, guard.LockingEnabled())
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "without locking")
}

func TestReleaseFailureSurfaces(t *testing.T) {
	guard := lock.NewGuard(failingReleaseLocker{}, "deploy", time.Second, zerolog.Nop())

	_, err := lock.WithLock(context.Background(), guard, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
