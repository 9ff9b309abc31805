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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"agentgate/platform/policy"
)

// Outcome is the quota engine's answer for one action. Admitted=false comes
// with the reason the caller surfaces on the blocked decision.
type Outcome struct {
	Admitted bool
	Reason   string
}

var admitted = Outcome{Admitted: true}

// Engine enforces a matched rule's rate and aggregate limits against a
// CounterStore. The request limit is checked first; when it admits but the
// aggregate refuses, the request increment is rolled back so a blocked
// action never consumes quota.
type Engine struct {
	store CounterStore
}

// NewEngine creates a quota engine over the given counter store.
func NewEngine(store CounterStore) *Engine {
	return &Engine{store: store}
}

// Admit checks and records the rule's limits for one action. Errors are
// infrastructure faults from the counter store, not refusals.
func (e *Engine) Admit(ctx context.Context, projectID, agentName, actionType string, rule *policy.Rule, params map[string]interface{}, now time.Time) (Outcome, error) {
	if rule == nil {
		return admitted, nil
	}

	requestRecorded := false
	if rl := rule.RateLimit; rl != nil {
		key := RequestKey(projectID, agentName, actionType)
		window := time.Duration(rl.WindowSeconds) * time.Second
		res, err := e.store.SlidingIncrement(ctx, key, 1, window, float64(rl.MaxRequests), now)
		if err != nil {
			return Outcome{}, err
		}
		if !res.Admitted {
			return Outcome{Reason: rateReason(res.Current, rl)}, nil
		}
		requestRecorded = true
	}

	if al := rule.AggregateLimit; al != nil {
		value, ok := aggregateValue(al.Field, params)
		if ok {
			key := AggregateKey(projectID, rule.Identity)
			window := time.Duration(al.WindowSeconds) * time.Second
			res, err := e.store.SlidingIncrement(ctx, key, value, window, al.Max, now)
			if err != nil {
				return Outcome{}, err
			}
			if !res.Admitted {
				if requestRecorded {
					key := RequestKey(projectID, agentName, actionType)
					if rbErr := e.store.Rollback(ctx, key, 1, now); rbErr != nil {
						return Outcome{}, rbErr
					}
				}
				return Outcome{Reason: aggregateReason(res.Current, value, al)}, nil
			}
		}
		// Extraction failure admits: an aggregate rule cannot police an
		// action whose value is unstated.
	}

	return admitted, nil
}

// Peek answers what Admit would say without recording anything. Simulation
// uses this so a simulated decision is side-effect free.
func (e *Engine) Peek(ctx context.Context, projectID, agentName, actionType string, rule *policy.Rule, params map[string]interface{}, now time.Time) (Outcome, error) {
	if rule == nil {
		return admitted, nil
	}

	if rl := rule.RateLimit; rl != nil {
		key := RequestKey(projectID, agentName, actionType)
		window := time.Duration(rl.WindowSeconds) * time.Second
		current, err := e.store.Current(ctx, key, window, now)
		if err != nil {
			return Outcome{}, err
		}
		if current+1 > float64(rl.MaxRequests) {
			return Outcome{Reason: rateReason(current, rl)}, nil
		}
	}

	if al := rule.AggregateLimit; al != nil {
		value, ok := aggregateValue(al.Field, params)
		if ok {
			key := AggregateKey(projectID, rule.Identity)
			window := time.Duration(al.WindowSeconds) * time.Second
			current, err := e.store.Current(ctx, key, window, now)
			if err != nil {
				return Outcome{}, err
			}
			if current+value > al.Max {
				return Outcome{Reason: aggregateReason(current, value, al)}, nil
			}
		}
	}

	return admitted, nil
}

func rateReason(current float64, rl *policy.RateLimit) string {
	return fmt.Sprintf("rate limit exceeded (%d/%d in last %d seconds)",
		int64(current), rl.MaxRequests, rl.WindowSeconds)
}

func aggregateReason(current, value float64, al *policy.AggregateLimit) string {
	return fmt.Sprintf("aggregate limit exceeded (%s+%s > %s over last %d seconds)",
		formatNum(current), formatNum(value), formatNum(al.Max), al.WindowSeconds)
}

func formatNum(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// aggregateValue extracts the configured field as a number. Anything that is
// missing or non-numeric reports ok=false.
func aggregateValue(field string, params map[string]interface{}) (float64, bool) {
	raw, found := policy.ResolvePath(field, params)
	if !found {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
