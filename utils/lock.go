// utils/lock.go
package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when the wait window expires before the
// lock could be taken. Safe to retry with backoff.
var ErrLockNotAcquired = errors.New("lock not acquired within wait window")

const lockPollInterval = 50 * time.Millisecond

// Locker hands out exclusive, time-bounded locks keyed by string. Wallet
// mutations take "wallet:user:<id>" so concurrent operations on the same
// wallet serialize.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error)
}

// Lock is a held lock. Release is safe to call on all exit paths; releasing
// a lock that already expired is a no-op.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// UserWalletKey is the lock key for a user's wallet.
func UserWalletKey(userID string) string {
	return "wallet:user:" + userID
}

// --- Redis implementation ---

// Acquisition is SET NX EX with a per-holder token; release is a Lua
// compare-and-delete so an expired lock taken over by another holder is
// never deleted by the old one.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// NewRedisClient builds a client from REDIS_ADDR / REDIS_PASSWORD. A
// comma-separated address list selects cluster mode.
func NewRedisClient() (redis.UniversalClient, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil, errors.New("REDIS_ADDR environment variable not set")
	}
	password := os.Getenv("REDIS_PASSWORD")

	addrs := strings.Split(addr, ",")
	if len(addrs) > 1 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		}), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addrs[0],
		Password: password,
		DB:       0,
	}), nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error) {
	token := uuid.NewString()
	fullKey := "lock:" + key
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return &redisLock{client: l.client, key: fullKey, name: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	name   string
	token  string
}

func (l *redisLock) Key() string { return l.name }

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock %s: %w", l.name, err)
	}
	return nil
}

// --- In-process implementation ---

// MemoryLocker provides the same semantics in-process: single-instance
// deployments and unit tests run without a Redis.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryHold
}

type memoryHold struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryHold)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if l.tryAcquire(key, token, ttl) {
			return &memoryLock{locker: l, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hold, ok := l.held[key]; ok && time.Now().Before(hold.expiresAt) {
		return false
	}
	l.held[key] = memoryHold{token: token, expiresAt: time.Now().Add(ttl)}
	return true
}

func (l *MemoryLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hold, ok := l.held[key]; ok && hold.token == token {
		delete(l.held, key)
	}
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLock) Key() string { return l.key }

func (l *memoryLock) Release(ctx context.Context) error {
	l.locker.release(l.key, l.token)
	return nil
}
