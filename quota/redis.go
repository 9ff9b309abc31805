// Copyright 2025 Agentgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisStore is the distributed CounterStore. Each key is a sorted set whose
// members are scored by event time in microseconds and carry their weight as
// a suffix, so one set serves both request counters (weight 1) and aggregate
// counters (weight = extracted numeric).
//
// Check-and-increment runs as a Lua script so concurrent gateway instances
// cannot both admit the last slot in a window.
type RedisStore struct {
	client *redis.Client

	// keyPrefix namespaces counters when one Redis serves several
	// deployments.
	keyPrefix string
}

// incrScript prunes, sums, and conditionally records in one atomic step.
// KEYS[1] counter key; ARGV: weight, max, score, cutoff, member, ttl_ms.
// Returns {admitted, tostring(current)}.
var incrScript = redis.NewScript(`
local weight = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[4])
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local current = 0
for _, m in ipairs(members) do
	current = current + (tonumber(string.match(m, ':([^:]+)$')) or 0)
end
if current + weight > max then
	return {0, tostring(current)}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return {1, tostring(current)}
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) fullKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + ":" + key
}

// member encodes an increment as "score:uuid:weight". The score prefix lets
// Rollback find candidates by time, the uuid keeps simultaneous increments
// distinct, and the weight suffix is what the sum parses out.
func member(score int64, weight float64) string {
	return fmt.Sprintf("%d:%s:%s", score, uuid.New().String(), formatWeight(weight))
}

func formatWeight(weight float64) string {
	return strconv.FormatFloat(weight, 'g', -1, 64)
}

func memberWeight(m string) float64 {
	idx := strings.LastIndex(m, ":")
	if idx < 0 {
		return 0
	}
	w, err := strconv.ParseFloat(m[idx+1:], 64)
	if err != nil {
		return 0
	}
	return w
}

// Scores are microseconds: they fit float64 exactly, nanoseconds do not.
func score(t time.Time) int64 {
	return t.UnixMicro()
}

// SlidingIncrement implements CounterStore.
func (s *RedisStore) SlidingIncrement(ctx context.Context, key string, weight float64, window time.Duration, max float64, now time.Time) (Result, error) {
	sc := score(now)
	cutoff := score(now.Add(-window))
	ttl := window.Milliseconds() * 2
	if ttl < 1000 {
		ttl = 1000
	}

	raw, err := incrScript.Run(ctx, s.client, []string{s.fullKey(key)},
		formatWeight(weight),
		formatWeight(max),
		strconv.FormatInt(sc, 10),
		strconv.FormatInt(cutoff, 10),
		member(sc, weight),
		strconv.FormatInt(ttl, 10),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("counter increment failed for %s: %w", key, err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return Result{}, fmt.Errorf("counter increment failed for %s: unexpected reply %v", key, raw)
	}
	admitted, _ := reply[0].(int64)
	currentStr, _ := reply[1].(string)
	current, err := strconv.ParseFloat(currentStr, 64)
	if err != nil {
		return Result{}, fmt.Errorf("counter increment failed for %s: bad sum %q", key, currentStr)
	}

	return Result{Admitted: admitted == 1, Current: current}, nil
}

// Rollback implements CounterStore. It removes one member recorded at now
// with the given weight.
func (s *RedisStore) Rollback(ctx context.Context, key string, weight float64, now time.Time) error {
	full := s.fullKey(key)
	sc := strconv.FormatInt(score(now), 10)

	members, err := s.client.ZRangeByScore(ctx, full, &redis.ZRangeBy{Min: sc, Max: sc}).Result()
	if err != nil {
		return fmt.Errorf("counter rollback failed for %s: %w", key, err)
	}
	for _, m := range members {
		if memberWeight(m) == weight {
			if err := s.client.ZRem(ctx, full, m).Err(); err != nil {
				return fmt.Errorf("counter rollback failed for %s: %w", key, err)
			}
			return nil
		}
	}
	return nil
}

// Current implements CounterStore. Read-only: expired members are excluded
// by score range rather than removed.
func (s *RedisStore) Current(ctx context.Context, key string, window time.Duration, now time.Time) (float64, error) {
	cutoff := strconv.FormatInt(score(now.Add(-window)), 10)

	members, err := s.client.ZRangeByScore(ctx, s.fullKey(key), &redis.ZRangeBy{
		Min: "(" + cutoff,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("counter read failed for %s: %w", key, err)
	}

	total := 0.0
	for _, m := range members {
		total += memberWeight(m)
	}
	return total, nil
}
