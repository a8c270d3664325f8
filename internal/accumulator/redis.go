package accumulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps the count and sets the triggered flag in one step.
// Returns {count, fired, epoch}.
var incrScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
local fired = 0
if count >= tonumber(ARGV[1]) and redis.call('HGET', KEYS[1], 'triggered') ~= '1' then
  redis.call('HSET', KEYS[1], 'triggered', '1')
  fired = 1
end
local epoch = tonumber(redis.call('HGET', KEYS[1], 'epoch') or '0')
return {count, fired, epoch}
`)

// resetScript restarts the count at ARGV[1] and returns the new epoch.
var resetScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'count', ARGV[1], 'triggered', '0')
return redis.call('HINCRBY', KEYS[1], 'epoch', 1)
`)

// RedisStore shares group counters between instances. Each group is a hash
// at prefix+group with fields count, triggered and epoch.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the hash key prefix (default "intake:group:").
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// NewRedisStore wraps a connected client.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "intake:group:"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) key(group string) string { return s.prefix + group }

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, group string, threshold int) (Result, error) {
	vals, err := incrScript.Run(ctx, s.rdb, []string{s.key(group)}, threshold).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected script reply of %d values", len(vals))
	}
	return Result{Group: group, Count: int(vals[0]), Triggered: vals[1] == 1, Epoch: vals[2]}, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, group string, carry int) (int64, error) {
	return resetScript.Run(ctx, s.rdb, []string{s.key(group)}, carry).Int64()
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context, group string) (Snapshot, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(group)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, err
	}
	snap := Snapshot{Group: group, Triggered: m["triggered"] == "1"}
	if v := m["count"]; v != "" {
		if snap.Count, err = strconv.Atoi(v); err != nil {
			return Snapshot{}, fmt.Errorf("parse count: %w", err)
		}
	}
	if v := m["epoch"]; v != "" {
		if snap.Epoch, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("parse epoch: %w", err)
		}
	}
	return snap, nil
}
