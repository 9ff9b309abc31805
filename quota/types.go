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
	"time"
)

// Result reports the outcome of a sliding-window counter operation.
// Current is the window sum before the new weight, whether or not the
// operation was admitted.
type Result struct {
	Admitted bool
	Current  float64
}

// CounterStore is the state backend for sliding-window counters. Keys are
// opaque strings; operations on the same key are atomic with respect to each
// other, operations on different keys are independent.
type CounterStore interface {
	// SlidingIncrement prunes entries older than now-window, sums the
	// remainder, and appends weight only if the sum plus weight stays
	// within max. The three steps are observed as a single step per key.
	SlidingIncrement(ctx context.Context, key string, weight float64, window time.Duration, max float64, now time.Time) (Result, error)

	// Rollback removes the increment recorded at now for this key.
	// Best-effort: a rollback that finds nothing is not an error.
	Rollback(ctx context.Context, key string, weight float64, now time.Time) error

	// Current returns the window sum without recording anything. Used by
	// simulation, which must be side-effect free.
	Current(ctx context.Context, key string, window time.Duration, now time.Time) (float64, error)
}

// RequestKey builds the counter key for per-identity request limits.
func RequestKey(projectID, agentName, actionType string) string {
	return fmt.Sprintf("req:%s:%s:%s", projectID, agentName, actionType)
}

// AggregateKey builds the counter key for per-rule aggregate limits.
func AggregateKey(projectID, ruleIdentity string) string {
	return fmt.Sprintf("agg:%s:%s", projectID, ruleIdentity)
}
