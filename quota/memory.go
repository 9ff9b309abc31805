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
	"sync"
	"sync/atomic"
	"time"
)

// entry is one recorded increment. Weight is 1 for request counters and the
// extracted numeric for aggregate counters.
type entry struct {
	at     time.Time
	weight float64
}

// counter holds the window entries for one key. Each counter has its own
// mutex so different keys never contend on a shared lock.
type counter struct {
	mu      sync.Mutex
	entries []entry
}

// MemoryStore is the in-process CounterStore. Eviction is lazy: stale
// entries are dropped on the next operation that touches their key, and
// keys whose windows have fully drained are removed by an occasional sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[string]*counter

	// sweepEvery bounds how often Sweep walks the whole map when driven
	// from SlidingIncrement.
	ops        uint64
	sweepEvery uint64
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:   make(map[string]*counter),
		sweepEvery: 4096,
	}
}

func (s *MemoryStore) counterFor(key string) *counter {
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[key]; ok {
		return c
	}
	c = &counter{}
	s.counters[key] = c
	return c
}

// prune drops entries at or before now-window. The boundary itself is
// excluded: an event at exactly now-window no longer counts.
func (c *counter) prune(window time.Duration, now time.Time) {
	cutoff := now.Add(-window)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

func (c *counter) sum() float64 {
	total := 0.0
	for _, e := range c.entries {
		total += e.weight
	}
	return total
}

// SlidingIncrement implements CounterStore.
func (s *MemoryStore) SlidingIncrement(ctx context.Context, key string, weight float64, window time.Duration, max float64, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(window, now)
	current := c.sum()
	if current+weight > max {
		return Result{Admitted: false, Current: current}, nil
	}
	c.entries = append(c.entries, entry{at: now, weight: weight})

	s.maybeSweep()
	return Result{Admitted: true, Current: current}, nil
}

// Rollback implements CounterStore. It removes the most recent entry
// recorded at now with the given weight.
func (s *MemoryStore) Rollback(ctx context.Context, key string, weight float64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].at.Equal(now) && c.entries[i].weight == weight {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Current implements CounterStore.
func (s *MemoryStore) Current(ctx context.Context, key string, window time.Duration, now time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(window, now)
	return c.sum(), nil
}

// maybeSweep occasionally removes keys whose entries have all expired so an
// idle key does not hold memory forever.
func (s *MemoryStore) maybeSweep() {
	if atomic.AddUint64(&s.ops, 1)%s.sweepEvery != 0 {
		return
	}
	go s.Sweep()
}

// Sweep removes keys with no entries. Safe to call concurrently with
// counter operations.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		c.mu.Lock()
		empty := len(c.entries) == 0
		c.mu.Unlock()
		if empty {
			delete(s.counters, key)
		}
	}
}

// Len reports the number of tracked keys (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}
