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

// Package gateway is the decision pipeline: policy fetch with caching, rule
// matching, quota gates, fail-closed handling, simulation, and audit
// emission, combined into the single Decide operation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentgate/platform/audit"
	"agentgate/platform/policy"
	"agentgate/platform/quota"
	"agentgate/platform/shared/logger"
	"agentgate/platform/store"
)

var (
	validationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_total",
		Help: "Validation decisions by project and outcome",
	}, []string{"project_id", "allowed"})
	validationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "validation_duration_seconds",
		Help:    "Decide latency",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"project_id"})
)

// PolicyStore is the persistence the pipeline consumes. Implemented by
// store.PolicyStore.
type PolicyStore interface {
	Get(ctx context.Context, projectID string) (*store.StoredPolicy, error)
	Put(ctx context.Context, projectID, name, version string, document []byte) error
	History(ctx context.Context, projectID string, limit int) ([]store.StoredPolicy, error)
}

// Config tunes the pipeline.
type Config struct {
	// PolicyCacheTTL bounds policy staleness. Zero disables the cache.
	PolicyCacheTTL time.Duration

	// FailClosed turns infrastructure faults on the decide path into
	// blocked decisions instead of errors.
	FailClosed bool

	// FailClosedReason overrides the blocked reason used in fail-closed
	// mode.
	FailClosedReason string
}

const defaultFailClosedReason = "service unavailable (fail-closed)"

// Gateway validates actions against per-project policies.
type Gateway struct {
	policies PolicyStore
	quotas   *quota.Engine
	sink     audit.Sink
	clock    Clock
	cache    *policyCache
	log      *logger.Logger

	failClosed       bool
	failClosedReason string
}

// New assembles a gateway. A nil clock uses the system clock; a nil sink
// disables audit emission.
func New(policies PolicyStore, quotas *quota.Engine, sink audit.Sink, clock Clock, cfg Config, log *logger.Logger) *Gateway {
	if clock == nil {
		clock = SystemClock
	}
	reason := cfg.FailClosedReason
	if reason == "" {
		reason = defaultFailClosedReason
	}
	return &Gateway{
		policies:         policies,
		quotas:           quotas,
		sink:             sink,
		clock:            clock,
		cache:            newPolicyCache(cfg.PolicyCacheTTL),
		log:              log,
		failClosed:       cfg.FailClosed,
		failClosedReason: reason,
	}
}

// emptyPolicy is what an unconfigured project evaluates against:
// everything allowed.
var emptyPolicy = &policy.Policy{Default: policy.EffectAllow}

// Decide validates one action. A blocked action is an ordinary Decision,
// not an error; errors are infrastructure faults (when fail-closed is off)
// or invalid input.
func (g *Gateway) Decide(ctx context.Context, action Action, opts Options) (Decision, error) {
	start := g.clock.Now()

	if err := action.Validate(); err != nil {
		return Decision{}, err
	}

	pol, err := g.policyFor(ctx, action.ProjectID)
	if err != nil {
		return g.infraFault(action, opts, start, err)
	}

	allowed := false
	reason := ""

	verdict := pol.MatchAction(action.AgentName, action.ActionType, action.Params)
	switch verdict.Kind {
	case policy.VerdictBlock:
		reason = verdict.Reason

	case policy.VerdictDefault:
		if pol.Default == policy.EffectAllow {
			allowed = true
		} else {
			reason = "no matching rule; policy default is block"
		}

	case policy.VerdictAllowPending:
		outcome, qerr := g.checkQuota(ctx, action, verdict.Rule, opts.Simulate, start)
		if qerr != nil {
			return g.infraFault(action, opts, start, qerr)
		}
		if outcome.Admitted {
			allowed = true
		} else {
			reason = outcome.Reason
		}
	}

	return g.finish(action, opts, start, pol.Version, allowed, reason), nil
}

func (g *Gateway) checkQuota(ctx context.Context, action Action, rule *policy.Rule, simulate bool, now time.Time) (quota.Outcome, error) {
	if simulate {
		return g.quotas.Peek(ctx, action.ProjectID, action.AgentName, action.ActionType, rule, action.Params, now)
	}
	return g.quotas.Admit(ctx, action.ProjectID, action.AgentName, action.ActionType, rule, action.Params, now)
}

// infraFault applies the fail-closed policy to an error from a backing
// store.
func (g *Gateway) infraFault(action Action, opts Options, start time.Time, err error) (Decision, error) {
	g.log.Error(action.ProjectID, "", "decision path infrastructure fault", map[string]interface{}{
		"action_type": action.ActionType,
		"error":       err.Error(),
	})
	if !g.failClosed {
		return Decision{}, fmt.Errorf("%w: %v", ErrInfra, err)
	}
	return g.finish(action, opts, start, "", false, g.failClosedReason), nil
}

// finish stamps the decision, emits audit for non-simulated calls, and
// records metrics.
func (g *Gateway) finish(action Action, opts Options, start time.Time, version string, allowed bool, reason string) Decision {
	end := g.clock.Now()
	d := Decision{
		Allowed:         allowed,
		Timestamp:       start,
		Reason:          reason,
		PolicyVersion:   version,
		ExecutionTimeMS: float64(end.Sub(start)) / float64(time.Millisecond),
		Simulated:       opts.Simulate,
	}

	validationTotal.WithLabelValues(action.ProjectID, fmt.Sprintf("%t", allowed)).Inc()
	validationDuration.WithLabelValues(action.ProjectID).Observe(end.Sub(start).Seconds())

	g.log.InfoWithDuration(action.ProjectID, "", "action validated", d.ExecutionTimeMS, map[string]interface{}{
		"agent_name":  action.AgentName,
		"action_type": action.ActionType,
		"allowed":     allowed,
		"simulated":   opts.Simulate,
	})

	if opts.Simulate {
		return d
	}

	d.ActionID = newActionID()
	if g.sink != nil {
		g.sink.Append(audit.Entry{
			ActionID:        d.ActionID,
			ProjectID:       action.ProjectID,
			AgentName:       action.AgentName,
			ActionType:      action.ActionType,
			Params:          action.Params,
			Allowed:         d.Allowed,
			Reason:          d.Reason,
			PolicyVersion:   d.PolicyVersion,
			ExecutionTimeMS: d.ExecutionTimeMS,
			Timestamp:       d.Timestamp,
		})
	}
	return d
}

// policyFor returns the project's active policy, parsed, consulting the
// cache first. An unconfigured project gets the empty allow-all policy.
func (g *Gateway) policyFor(ctx context.Context, projectID string) (*policy.Policy, error) {
	now := g.clock.Now()
	if p, ok := g.cache.get(projectID, now); ok {
		return p, nil
	}

	stored, err := g.policies.Get(ctx, projectID)
	if errors.Is(err, store.ErrPolicyNotFound) {
		g.cache.set(projectID, emptyPolicy, now)
		return emptyPolicy, nil
	}
	if err != nil {
		return nil, err
	}

	p, err := policy.Load(stored.Document)
	if err != nil {
		// The store only accepts documents that loaded once, so this is
		// an engine fault, not caller error.
		return nil, fmt.Errorf("stored policy for project %s does not load: %w", projectID, err)
	}
	g.cache.set(projectID, p, now)
	return p, nil
}

// UpsertPolicy validates and installs a project's policy, superseding the
// active one, and makes the update visible immediately on this instance.
func (g *Gateway) UpsertPolicy(ctx context.Context, projectID string, raw []byte) (*policy.Policy, error) {
	p, err := policy.Load(raw)
	if err != nil {
		return nil, err
	}
	if err := g.policies.Put(ctx, projectID, p.Name, p.Version, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfra, err)
	}
	g.cache.invalidate(projectID)

	g.log.Info(projectID, "", "policy updated", map[string]interface{}{
		"policy_name":    p.Name,
		"policy_version": p.Version,
		"rules":          len(p.Rules),
	})
	return p, nil
}

// PolicyHistory returns the project's stored policy versions, newest first.
func (g *Gateway) PolicyHistory(ctx context.Context, projectID string, limit int) ([]store.StoredPolicy, error) {
	history, err := g.policies.History(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfra, err)
	}
	return history, nil
}

// GetActivePolicy returns the stored active policy document, or
// store.ErrPolicyNotFound.
func (g *Gateway) GetActivePolicy(ctx context.Context, projectID string) (*store.StoredPolicy, error) {
	stored, err := g.policies.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrPolicyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInfra, err)
	}
	return stored, nil
}
