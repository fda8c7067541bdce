package register

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("operation already running")

// UnlockFunc releases a held lock.
type UnlockFunc func(ctx context.Context) error

// Locker provides a named lock shared across replicas.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// NopLocker always succeeds. Used when Redis is not configured and only one
// replica runs maintenance.
type NopLocker struct{}

func (NopLocker) Obtain(context.Context, string, time.Duration) (UnlockFunc, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker implements Locker with redislock.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker wraps a go-redis client (or anything redislock accepts).
func NewRedisLocker(client redislock.RedisClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

// Obtain takes key for ttl without retrying.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}
