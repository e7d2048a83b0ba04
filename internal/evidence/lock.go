package evidence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

//go:generate mockgen -source=lock.go -destination=mocks/mock_lock.go -package=mocks

// ErrLockHeld is returned when another holder owns an unexpired lock.
var ErrLockHeld = errors.New("evidence lock held")

// Locker is an advisory lock with a bounded time-to-live. Release only succeeds
// for the token returned by the matching Acquire.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, key, token string) error
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu      sync.Mutex
	leases  map[string]memoryLease
	nowFunc func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), nowFunc: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", errors.New("lock ttl must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if lease, ok := l.leases[key]; ok && now.Before(lease.expiresAt) {
		return "", ErrLockHeld
	}
	token := uuid.NewString()
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[key]
	if !ok || lease.token != token {
		return nil
	}
	delete(l.leases, key)
	return nil
}
