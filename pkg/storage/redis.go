package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cachePrefix = "acs:cache:"
	lockPrefix  = "acs:lock:"
	setPrefix   = "acs:set:"
)

// upsertLockScript sets the lock row unless another token holds it and
// returns the server time of the write
var upsertLockScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
  return {0}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
local t = redis.call('TIME')
return {1, t[1], t[2]}
`)

// deleteLockScript deletes the lock row only when the token matches
var deleteLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore implements Cache and LockStore on Redis, shared by every ACS
// process of a deployment
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore connects to the Redis server at addr
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, cachePrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, cachePrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, cachePrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Pop(ctx context.Context, key string) (string, error) {
	v, err := s.client.GetDel(ctx, cachePrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, set, member string) error {
	if err := s.client.SAdd(ctx, setPrefix+set, member).Err(); err != nil {
		return fmt.Errorf("failed to add to set %s: %w", set, err)
	}
	return nil
}

func (s *RedisStore) SetRemove(ctx context.Context, set, member string) error {
	if err := s.client.SRem(ctx, setPrefix+set, member).Err(); err != nil {
		return fmt.Errorf("failed to remove from set %s: %w", set, err)
	}
	return nil
}

func (s *RedisStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	members, err := s.client.SMembers(ctx, setPrefix+set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list set %s: %w", set, err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) UpsertLock(ctx context.Context, name, token string, expire time.Time) (time.Time, error) {
	ttl := expire.Sub(s.now()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	res, err := upsertLockScript.Run(ctx, s.client, []string{lockPrefix + name}, token, ttl).Slice()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to upsert lock %s: %w", name, err)
	}
	if len(res) == 0 || res[0] != int64(1) {
		return time.Time{}, ErrLockConflict
	}
	if len(res) < 3 {
		return time.Time{}, fmt.Errorf("unexpected lock reply for %s: %v", name, res)
	}
	sec, err := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse server time: %w", err)
	}
	usec, err := strconv.ParseInt(fmt.Sprint(res[2]), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse server time: %w", err)
	}
	return time.Unix(sec, usec*int64(time.Microsecond)), nil
}

func (s *RedisStore) DeleteLock(ctx context.Context, name, token string) (bool, error) {
	n, err := deleteLockScript.Run(ctx, s.client, []string{lockPrefix + name}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to delete lock %s: %w", name, err)
	}
	return n > 0, nil
}
