package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is a named lease lock shared by every monitor replica.
// stores.SQLiteStore and RedisLocker implement it.
type Locker interface {
	// Acquire takes or renews the lock for owner. It reports false when
	// another owner holds a live lease.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// Release drops the lock if owner holds it.
	Release(ctx context.Context, name, owner string) error
}

// RedisClient is the subset of *redis.Client the locker needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

const (
	renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`
)

// RedisLocker implements Locker with SET NX PX and owner-checked scripts.
type RedisLocker struct {
	client RedisClient
	prefix string
}

// NewRedisLocker creates a locker. Keys are prefix + name.
func NewRedisLocker(client RedisClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "mqfleet:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes the lock, or renews it when owner already holds it.
func (l *RedisLocker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := l.prefix + name
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if ok {
		return true, nil
	}
	n, err := l.client.Eval(ctx, renewScript, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", name, err)
	}
	return n == 1, nil
}

// Release deletes the lock if owner holds it.
func (l *RedisLocker) Release(ctx context.Context, name, owner string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.prefix + name}, owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
