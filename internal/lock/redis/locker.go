package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/poll"
)

const (
	DefaultPrefix = "rolling-deployer:lock:"

	defaultRetryInterval = 250 * time.Millisecond
	pingTimeout          = 2 * time.Second
)

var ErrLockLost = errors.New("lock is no longer held by this owner")

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker stores the owner token under one key with a TTL that is
// extended while the lock is held.
type Locker struct {
	client        *goredis.Client
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	log           zerolog.Logger
}

func NewLocker(addr, password string, db int, ttl time.Duration, logger zerolog.Logger) (*Locker, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", addr, err)
	}
	return NewWithClient(client, ttl, defaultRetryInterval, logger), nil
}

func NewWithClient(client *goredis.Client, ttl, retryInterval time.Duration, logger zerolog.Logger) *Locker {
	return &Locker{
		client:        client,
		prefix:        DefaultPrefix,
		ttl:           ttl,
		retryInterval: retryInterval,
		log:           logger.With().Str("component", "redis-lock").Logger(),
	}
}

func (l *Locker) Close() error {
	return l.client.Close()
}

func (l *Locker) Acquire(ctx context.Context, name string, wait time.Duration) (lock.Handle, error) {
	var (
		key   = l.prefix + name
		token = uuid.NewString()
	)
	err := poll.Until(ctx, poll.Policy{Timeout: wait, Interval: l.retryInterval}, func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("lock %s is held: %w", key, poll.ErrNotReady)
		}
		return nil
	})
	if errors.Is(err, poll.ErrDeadlineExceeded) {
		return nil, &models.LockTimeoutError{Name: name, Timeout: wait}
	}
	if err != nil {
		return nil, err
	}

	h := &handle{
		client: l.client,
		key:    key,
		token:  token,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    l.log.With().Str("key", key).Logger(),
	}
	go h.keepAlive()
	return h, nil
}

type handle struct {
	client *goredis.Client
	key    string
	token  string
	ttl    time.Duration
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}
	log    zerolog.Logger
}

func (h *handle) keepAlive() {
	defer close(h.done)

	ticker := time.NewTicker(max(h.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.ttl)
			extended, err := refreshScript.Run(ctx, h.client, []string{h.key}, h.token, h.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				h.log.Warn().Err(err).Msg("failed to extend deploy lock ttl")
				continue
			}
			if extended == 0 {
				h.log.Error().Msg("deploy lock expired while held")
				return
			}
		}
	}
}

func (h *handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		<-h.done

		deleted, runErr := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Int()
		if runErr != nil {
			err = fmt.Errorf("failed to delete %s: %w", h.key, runErr)
			return
		}
		if deleted == 0 {
			err = fmt.Errorf("release %s: %w", h.key, ErrLockLost)
		}
	})
	return err
}
