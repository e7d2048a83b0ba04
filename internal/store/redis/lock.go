package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/cycle-governor/internal/evidence"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is an evidence.Locker shared by every process pointed at the same Redis.
type Locker struct {
	client *redis.Client
}

var _ evidence.Locker = (*Locker)(nil)

func NewLocker(url string) (*Locker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Locker{client: client}, nil
}

// NewLockerFromClient wraps an existing client. Close closes it.
func NewLockerFromClient(client *redis.Client) *Locker {
	return &Locker{client: client}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("lock ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", evidence.ErrLockHeld
	}
	return token, nil
}

// Release is a no-op when the lease expired or another holder now owns the key.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (l *Locker) Close() error {
	return l.client.Close()
}
