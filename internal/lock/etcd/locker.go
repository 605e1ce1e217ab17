package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
)

const (
	DefaultPrefix = "/rolling-deployer/locks"

	dialTimeout   = 5 * time.Second
	revokeTimeout = 5 * time.Second
)

// Locker keeps one etcd session per held lock, so a crashed deployer
// loses the lock when its lease expires.
type Locker struct {
	etcd   *clientv3.Client
	prefix string
	ttl    int
	log    zerolog.Logger
}

func NewLocker(endpoints []string, prefix string, ttl time.Duration, logger zerolog.Logger) (*Locker, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Locker{
		etcd:   clnt,
		prefix: prefix,
		ttl:    max(int(ttl.Seconds()), 1),
		log:    logger.With().Str("component", "etcd-lock").Logger(),
	}, nil
}

func (l *Locker) Close() error {
	return l.etcd.Close()
}

func (l *Locker) key(name string) string {
	return path.Join(l.prefix, name)
}

func (l *Locker) Acquire(ctx context.Context, name string, wait time.Duration) (lock.Handle, error) {
	waitCtx, cancelWait := context.WithTimeout(ctx, wait)
	defer cancelWait()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded)
	}

	lease, err := l.etcd.Grant(waitCtx, int64(l.ttl))
	if err != nil {
		if timedOut() {
			return nil, &models.LockTimeoutError{Name: name, Timeout: wait}
		}
		return nil, fmt.Errorf("failed to grant etcd lease: %w", err)
	}

	// the session outlives waitCtx and ends on Release
	sessionCtx, cancelSession := context.WithCancel(context.WithoutCancel(ctx))
	session, err := concurrency.NewSession(
		l.etcd,
		concurrency.WithLease(lease.ID),
		concurrency.WithTTL(l.ttl),
		concurrency.WithContext(sessionCtx),
	)
	if err != nil {
		cancelSession()
		l.revoke(lease.ID)
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	mu := concurrency.NewMutex(session, l.key(name))

	err = mu.Lock(waitCtx)
	if err != nil {
		l.closeSession(session)
		cancelSession()
		if timedOut() {
			return nil, &models.LockTimeoutError{Name: name, Timeout: wait}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", l.key(name), err)
	}

	h := &handle{
		session:       session,
		mu:            mu,
		cancelSession: cancelSession,
		released:      make(chan struct{}),
		log:           l.log.With().Str("key", mu.Key()).Logger(),
	}
	go h.watchSession()
	return h, nil
}

// closeSession drops a session whose lock was never taken.
func (l *Locker) closeSession(session *concurrency.Session) {
	session.Orphan()
	l.revoke(session.Lease())
}

// revoke uses its own deadline, the caller's contexts may already be done.
func (l *Locker) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	if _, err := l.etcd.Revoke(ctx, id); err != nil {
		l.log.Error().Err(err).Msg("failed to revoke etcd lease")
	}
}

type handle struct {
	session       *concurrency.Session
	mu            *concurrency.Mutex
	cancelSession context.CancelFunc
	once          sync.Once
	released      chan struct{}
	log           zerolog.Logger
}

func (h *handle) watchSession() {
	select {
	case <-h.released:
	case <-h.session.Done():
		h.log.Error().Msg("etcd session expired while holding deploy lock")
	}
}

func (h *handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.released)
		unlockErr := h.mu.Unlock(ctx)
		if unlockErr != nil {
			unlockErr = fmt.Errorf("failed to unlock %s: %w", h.mu.Key(), unlockErr)
		}
		closeErr := h.session.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("failed to close etcd session: %w", closeErr)
		}
		h.cancelSession()
		err = errors.Join(unlockErr, closeErr)
	})
	return err
}
