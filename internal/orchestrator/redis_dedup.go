package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultActiveSet is the Redis set shared with the trigger queue
const DefaultActiveSet = "active_events_set"

// acquireScript adds every key only when none is a member yet
var acquireScript = redis.NewScript(`
for i, key in ipairs(ARGV) do
	if redis.call("SISMEMBER", KEYS[1], key) == 1 then
		return 0
	end
end
redis.call("SADD", KEYS[1], unpack(ARGV))
return 1
`)

// RedisDedup is a DedupSet shared by every process using the same Redis
type RedisDedup struct {
	client redis.UniversalClient
	set    string
}

// NewRedisDedup creates a Redis-backed dedup set. An empty set name uses
// DefaultActiveSet.
func NewRedisDedup(client redis.UniversalClient, set string) *RedisDedup {
	if set == "" {
		set = DefaultActiveSet
	}
	return &RedisDedup{client: client, set: set}
}

// TryAcquire inserts keys atomically if none of them is present
func (d *RedisDedup) TryAcquire(ctx context.Context, keys []string) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	n, err := acquireScript.Run(ctx, d.client, []string{d.set}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire dedup keys: %w", err)
	}
	return n == 1, nil
}

// Release removes keys from the set
func (d *RedisDedup) Release(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if err := d.client.SRem(ctx, d.set, args...).Err(); err != nil {
		return fmt.Errorf("failed to release dedup keys: %w", err)
	}
	return nil
}

// Active returns the members of the set, sorted
func (d *RedisDedup) Active(ctx context.Context) ([]string, error) {
	keys, err := d.client.SMembers(ctx, d.set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dedup keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
