package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
)

// Locker is a lock store shared by goroutines of one process.
type Locker struct {
	mu       *sync.Mutex
	slots    map[string]chan struct{}
	acquired int
	released int
}

func NewLocker() *Locker {
	return &Locker{
		mu:    &sync.Mutex{},
		slots: make(map[string]chan struct{}),
	}
}

func (l *Locker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[name]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[name] = s
	}
	return s
}

func (l *Locker) Acquire(ctx context.Context, name string, wait time.Duration) (lock.Handle, error) {
	slot := l.slot(name)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
	case <-timer.C:
		return nil, &models.LockTimeoutError{Name: name, Timeout: wait}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	l.acquired++
	l.mu.Unlock()
	return &handle{locker: l, slot: slot}, nil
}

// Stats returns how many times locks were acquired and released.
func (l *Locker) Stats() (acquired, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}

type handle struct {
	locker *Locker
	slot   chan struct{}
	once   sync.Once
}

func (h *handle) Release(context.Context) error {
	h.once.Do(func() {
		<-h.slot
		h.locker.mu.Lock()
		h.locker.released++
		h.locker.mu.Unlock()
	})
	return nil
}
