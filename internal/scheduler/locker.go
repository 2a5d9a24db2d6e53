package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another worker owns the key.
var ErrLockHeld = errors.New("scheduler: lock held by another worker")

// UnlockFunc releases a lock acquired by TryLock. Releasing a lock that
// expired and was taken over by another worker is a no-op.
type UnlockFunc func(ctx context.Context) error

// Locker provides best-effort mutual exclusion between dispatchers so one
// occurrence is handed to the handler once.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

type localLock struct {
	token   string
	expires time.Time
}

// LocalLocker is an in-process Locker for single instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localLock
	now   func() time.Time
}

// NewLocalLocker constructs a LocalLocker. A nil now uses time.Now.
func NewLocalLocker(now func() time.Time) *LocalLocker {
	if now == nil {
		now = time.Now
	}
	return &LocalLocker{locks: make(map[string]localLock), now: now}
}

// TryLock acquires key for ttl or returns ErrLockHeld. Expired entries are
// dropped on every call, so the map only holds live locks.
func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for held, lock := range l.locks {
		if !now.Before(lock.expires) {
			delete(l.locks, held)
		}
	}
	if _, ok := l.locks[key]; ok {
		return nil, ErrLockHeld
	}

	token := uuid.NewString()
	l.locks[key] = localLock{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.locks[key]; ok && held.token == token {
			delete(l.locks, key)
		}
		return nil
	}, nil
}

// RedisClient is the subset of the go-redis client used by RedisLocker.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker coordinates dispatchers running in separate processes.
type RedisLocker struct {
	client RedisClient
	prefix string
}

// NewRedisLocker constructs a RedisLocker storing keys under prefix.
func NewRedisLocker(client RedisClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "digest:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock sets the key with NX and a TTL. The release only deletes the key
// while it still carries this holder's token.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: acquire %s: %w", redisKey, err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("scheduler: release %s: %w", redisKey, err)
		}
		return nil
	}, nil
}
