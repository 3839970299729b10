// Package lock provides a Redis-backed mutual exclusion primitive.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Release and refresh only touch the key while it still holds our token, so
// an expired holder can never drop or extend a lock taken by someone else.
const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrNotConfigured = errors.New("lock_client_not_configured")
	ErrLockLost      = errors.New("lock_lost")
)

type Locker struct {
	client  redis.UniversalClient
	release *redis.Script
	refresh *redis.Script
}

// NewLocker returns nil when client is nil; a nil Locker reports ErrNotConfigured.
func NewLocker(client redis.UniversalClient) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
		refresh: redis.NewScript(refreshScript),
	}
}

// TryLock sets key to a fresh token when absent. ok is false when another
// holder owns the key.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	if l == nil || l.client == nil {
		return "", false, ErrNotConfigured
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Refresh extends the ttl of a held lock.
func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	if l == nil || l.client == nil {
		return ErrNotConfigured
	}
	n, err := l.refresh.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}
