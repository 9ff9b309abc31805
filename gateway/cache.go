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

package gateway

import (
	"sync"
	"time"

	"agentgate/platform/policy"
)

// policyCache keeps parsed policies per project for a TTL. A zero TTL
// disables caching entirely, which gives immediate visibility of updates at
// the cost of a store round-trip per decision. "No policy configured" is
// cached the same way as a real policy.
type policyCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]cacheEntry
}

type cacheEntry struct {
	policy  *policy.Policy
	expires time.Time
}

func newPolicyCache(ttl time.Duration) *policyCache {
	return &policyCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func (c *policyCache) get(projectID string, now time.Time) (*policy.Policy, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.m[projectID]
	c.mu.RUnlock()
	if !ok || now.After(e.expires) {
		return nil, false
	}
	return e.policy, true
}

func (c *policyCache) set(projectID string, p *policy.Policy, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.m[projectID] = cacheEntry{policy: p, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

func (c *policyCache) invalidate(projectID string) {
	c.mu.Lock()
	delete(c.m, projectID)
	c.mu.Unlock()
}
