// Package redisstore backs the rate limiter and the conversation lock manager
// with Redis. Both concerns tolerate TTL-based expiry, so Redis can own row
// lifetime and the sweep entry points become no-ops.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/easymo/txcore/pkg/convlock"
	"github.com/easymo/txcore/pkg/throttle"
	"github.com/redis/go-redis/v9"
)

const (
	throttleKeyPrefix = "txcore:throttle:"
	lockKeyPrefix     = "txcore:lock:"
)

// incrementWindowScript bumps the window counter only while it is below cap,
// setting the TTL on first use so the window reaps itself.
var incrementWindowScript = redis.NewScript(`
local key = KEYS[1]
local cap = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')
if current >= cap then
	return {0, current}
end

current = redis.call('INCR', key)
if current == 1 then
	redis.call('EXPIRE', key, ttl)
end

return {1, current}
`)

// compareAndDeleteScript releases a lock only when the stored token matches.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// compareAndExpireScript renews a lock only when the stored token matches.
var compareAndExpireScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Store implements throttle.Store and convlock.Store on one Redis client.
type Store struct {
	client *redis.Client
	nowFn  func() int64
}

// New returns a Store backed by client.
func New(client *redis.Client, now func() int64) *Store {
	return &Store{client: client, nowFn: now}
}

func (store *Store) TryIncrementWindow(ctx context.Context, bucketID string, windowStartUnixUTC int64, expiresAtUnixUTC int64, cap int64) (throttle.Admission, error) {
	key := throttleKeyPrefix + bucketID + ":" + strconv.FormatInt(windowStartUnixUTC, 10)
	ttlSeconds := expiresAtUnixUTC - store.nowFn()
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	values, err := incrementWindowScript.Run(ctx, store.client, []string{key}, cap, ttlSeconds).Int64Slice()
	if err != nil {
		return throttle.Admission{}, fmt.Errorf("throttle increment: %w", err)
	}
	if len(values) != 2 {
		return throttle.Admission{}, fmt.Errorf("throttle increment: unexpected script reply %v", values)
	}
	return throttle.Admission{Allowed: values[0] == 1, Count: values[1]}, nil
}

// DeleteExpiredWindows is a no-op: Redis reaps windows through key TTLs.
func (store *Store) DeleteExpiredWindows(ctx context.Context, nowUnixUTC int64) (int64, error) {
	return 0, nil
}

func (store *Store) AcquireLock(ctx context.Context, lock convlock.Lock) (bool, error) {
	key := lockKeyPrefix + lock.ConversationID
	acquired, err := store.client.SetNX(ctx, key, lock.Token, time.Duration(lock.TTLSeconds)*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire: %w", err)
	}
	return acquired, nil
}

func (store *Store) ReleaseLock(ctx context.Context, conversationID string, token string) (bool, error) {
	key := lockKeyPrefix + conversationID
	deleted, err := compareAndDeleteScript.Run(ctx, store.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("lock release: %w", err)
	}
	return deleted == 1, nil
}

func (store *Store) RenewLock(ctx context.Context, conversationID string, token string, expiresAtUnixUTC int64) (bool, error) {
	key := lockKeyPrefix + conversationID
	ttlSeconds := expiresAtUnixUTC - store.nowFn()
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	renewed, err := compareAndExpireScript.Run(ctx, store.client, []string{key}, token, ttlSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("lock renew: %w", err)
	}
	return renewed == 1, nil
}

// ListExpiredLocks returns nothing: expired Redis locks are already gone, so
// the stuck-lock sweep has no work on this backend.
func (store *Store) ListExpiredLocks(ctx context.Context, cutoffUnixUTC int64, limit int) ([]convlock.Lock, error) {
	return nil, nil
}

func (store *Store) DeleteLock(ctx context.Context, conversationID string, token string) (bool, error) {
	return store.ReleaseLock(ctx, conversationID, token)
}
