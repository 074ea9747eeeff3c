package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisValuePrefix   = "modelops:kv:"
	redisVersionPrefix = "modelops:ver:"
)

// putScript performs the compare-and-swap: write the value and bump the
// version counter only when the stored counter matches the caller's token.
var putScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur == false then return 0 end
if cur ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('INCR', KEYS[2])
return 1
`)

// createScript creates value and version atomically iff the key is absent.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], '1')
return 1
`)

// RedisStore is a VersionedStore backed by Redis. Version tokens are per-key
// monotonic counters maintained alongside the values; CAS runs server-side
// in Lua so Put never blocks on locks.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisStore connects a store to the given Redis address.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ctx:    context.Background(),
	}
}

// NewRedisStoreFromClient wraps an existing client (used by tests).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ctx: context.Background()}
}

// Get returns the current value and version, or ok=false when absent.
func (s *RedisStore) Get(key string) ([]byte, VersionToken, bool, error) {
	vals, err := s.client.MGet(s.ctx, redisValuePrefix+key, redisVersionPrefix+key).Result()
	if err != nil {
		return nil, VersionToken{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, VersionToken{}, false, nil
	}
	value, ok := vals[0].(string)
	if !ok {
		return nil, VersionToken{}, false, fmt.Errorf("redis get %s: unexpected value type %T", key, vals[0])
	}
	version, ok := vals[1].(string)
	if !ok {
		return nil, VersionToken{}, false, fmt.Errorf("redis get %s: unexpected version type %T", key, vals[1])
	}
	return []byte(value), NewVersionToken(version), true, nil
}

// Put writes value iff the stored version matches.
func (s *RedisStore) Put(key string, value []byte, version VersionToken) (bool, error) {
	n, err := putScript.Run(s.ctx, s.client,
		[]string{redisValuePrefix + key, redisVersionPrefix + key},
		value, version.String()).Int()
	if err != nil {
		return false, fmt.Errorf("redis put %s: %w", key, err)
	}
	return n == 1, nil
}

// CreateIfAbsent atomically creates the key with version 1.
func (s *RedisStore) CreateIfAbsent(key string, value []byte) (bool, error) {
	n, err := createScript.Run(s.ctx, s.client,
		[]string{redisValuePrefix + key, redisVersionPrefix + key},
		value).Int()
	if err != nil {
		return false, fmt.Errorf("redis create %s: %w", key, err)
	}
	return n == 1, nil
}

// Delete removes the key and its version counter.
func (s *RedisStore) Delete(key string) (bool, error) {
	n, err := s.client.Del(s.ctx, redisValuePrefix+key, redisVersionPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete %s: %w", key, err)
	}
	return n > 0, nil
}

// ListKeys scans for all keys with the given prefix, sorted.
func (s *RedisStore) ListKeys(prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(s.ctx, 0, redisValuePrefix+prefix+"*", 0).Iterator()
	for iter.Next(s.ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), redisValuePrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
