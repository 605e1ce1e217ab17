package etcd

import (
	"context"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
)

func localURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return url.URL{Scheme: "http", Host: addr}
}

// startEtcd runs a single member cluster and returns a stop func that is
// safe to call more than once.
func startEtcd(t *testing.T) (func(), string) {
	t.Helper()
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"

	clientURL, peerURL := localURL(t), localURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	once := sync.Once{}
	stop := func() {
		once.Do(e.Close)
	}
	t.Cleanup(stop)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		t.Fatal("embedded etcd did not become ready")
	}
	return stop, clientURL.Host
}

func newTestLocker(t *testing.T, endpoint string) *Locker {
	t.Helper()
	locker, err := NewLocker([]string{endpoint}, "", 5*time.Second, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = locker.Close()
	})
	return locker
}

func leaseCount(t *testing.T, l *Locker) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := l.etcd.Leases(ctx)
	require.NoError(t, err)
	return len(resp.Leases)
}

func TestAcquireRelease(t *testing.T) {
	_, endpoint := startEtcd(t)
	locker := newTestLocker(t, endpoint)
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "deploy", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, leaseCount(t, locker))

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))
	assert.Equal(t, 0, leaseCount(t, locker))

	h, err = locker.Acquire(ctx, "deploy", time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	_, endpoint := startEtcd(t)
	locker := newTestLocker(t, endpoint)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "deploy", time.Second)
	require.NoError(t, err)
	defer held.Release(ctx)

	start := time.Now()
	_, err = locker.Acquire(ctx, "deploy", 200*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	var lockErr *models.LockTimeoutError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "deploy", lockErr.Name)
	assert.Equal(t, 200*time.Millisecond, lockErr.Timeout)

	// the waiter's session is gone, only the holder's lease is left
	assert.Equal(t, 1, leaseCount(t, locker))
}

func TestWaiterGetsLockAfterRelease(t *testing.T) {
	_, endpoint := startEtcd(t)
	locker := newTestLocker(t, endpoint)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "deploy", time.Second)
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		h, err := locker.Acquire(ctx, "deploy", 5*time.Second)
		if err == nil {
			err = h.Release(ctx)
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("waiter got the lock while it was held: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, held.Release(ctx))
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not get the lock after release")
	}
}

func TestAcquireIsBoundedWhenEtcdIsDown(t *testing.T) {
	stop, endpoint := startEtcd(t)
	locker := newTestLocker(t, endpoint)
	stop()

	start := time.Now()
	_, err := locker.Acquire(context.Background(), "deploy", 300*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrLockTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestAcquireStopsOnCancel(t *testing.T) {
	stop, endpoint := startEtcd(t)
	locker := newTestLocker(t, endpoint)
	stop()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := locker.Acquire(ctx, "deploy", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrLockTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}
