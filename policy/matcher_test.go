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

package policy

import (
	"strings"
	"testing"
)

func mustLoad(t *testing.T, raw string) *Policy {
	t.Helper()
	p, err := Load([]byte(raw))
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	return p
}

func TestMatchAction_AllowedAgentsIsAGate(t *testing.T) {
	// An agent outside allowed_agents skips the rule so a later rule can
	// still apply.
	p := mustLoad(t, `{
		"default": "block",
		"rules": [
			{"action_type": "pay_invoice", "allowed_agents": ["finance_agent"], "constraints": {"params.amount": {"max": 100}}},
			{"action_type": "pay_invoice", "constraints": {"params.amount": {"max": 10}}}
		]
	}`)

	// finance_agent hits the first rule and its generous cap.
	v := p.MatchAction("finance_agent", "pay_invoice", map[string]interface{}{"amount": 50.0})
	if v.Kind != VerdictAllowPending {
		t.Errorf("finance_agent: expected AllowPending, got %v (%s)", v.Kind, v.Reason)
	}

	// Another agent falls through to the second rule and its tight cap.
	v = p.MatchAction("other_agent", "pay_invoice", map[string]interface{}{"amount": 50.0})
	if v.Kind != VerdictBlock {
		t.Fatalf("other_agent: expected Block, got %v", v.Kind)
	}
	if !strings.Contains(v.Reason, "exceeds maximum 10") {
		t.Errorf("unexpected reason: %q", v.Reason)
	}
}

func TestMatchAction_BlockedAgentsIsABar(t *testing.T) {
	p := mustLoad(t, `{
		"rules": [
			{"action_type": "send_email", "blocked_agents": ["untrusted_agent"]},
			{"action_type": "send_email"}
		]
	}`)

	v := p.MatchAction("untrusted_agent", "send_email", nil)
	if v.Kind != VerdictBlock {
		t.Fatalf("expected Block, got %v", v.Kind)
	}
	if !strings.Contains(v.Reason, "untrusted_agent") || !strings.Contains(v.Reason, "send_email") {
		t.Errorf("reason should name agent and action: %q", v.Reason)
	}

	v = p.MatchAction("trusted_agent", "send_email", nil)
	if v.Kind != VerdictAllowPending {
		t.Errorf("expected AllowPending for trusted agent, got %v", v.Kind)
	}
}

func TestMatchAction_BlockedAgentsWildcardMeansEveryone(t *testing.T) {
	p := mustLoad(t, `{
		"rules": [{"action_type": "delete_user", "blocked_agents": ["*"]}]
	}`)

	for _, agent := range []string{"any_agent", "*"} {
		v := p.MatchAction(agent, "delete_user", nil)
		if v.Kind != VerdictBlock {
			t.Errorf("agent %q: expected Block, got %v", agent, v.Kind)
		}
	}
}

func TestMatchAction_FirstConstraintFailureWins(t *testing.T) {
	p := mustLoad(t, `{
		"rules": [{
			"action_type": "pay_invoice",
			"constraints": {
				"params.amount": {"max": 100},
				"params.currency": {"in": ["USD"]}
			}
		}]
	}`)

	// Both constraints violated; paths are evaluated in sorted order so
	// params.amount is reported.
	v := p.MatchAction("a", "pay_invoice", map[string]interface{}{"amount": 500.0, "currency": "JPY"})
	if v.Kind != VerdictBlock {
		t.Fatalf("expected Block, got %v", v.Kind)
	}
	if !strings.Contains(v.Reason, "params.amount") {
		t.Errorf("expected amount violation reported first, got %q", v.Reason)
	}
}

func TestMatchAction_ExplicitBlockEffect(t *testing.T) {
	p := mustLoad(t, `{
		"default": "allow",
		"rules": [{"action_type": "drop_database", "effect": "block"}]
	}`)

	v := p.MatchAction("dba_agent", "drop_database", nil)
	if v.Kind != VerdictBlock {
		t.Fatalf("expected Block, got %v", v.Kind)
	}
	if v.Reason == "" {
		t.Error("blocked verdict must carry a reason")
	}
}

func TestMatchAction_LiteralPreemptsWildcard(t *testing.T) {
	// A literal allow rule preempts a wildcard block rule regardless of
	// declaration order.
	p := mustLoad(t, `{
		"default": "block",
		"rules": [
			{"action_type": "*", "effect": "block"},
			{"action_type": "pay_invoice"}
		]
	}`)

	v := p.MatchAction("a", "pay_invoice", nil)
	if v.Kind != VerdictAllowPending {
		t.Errorf("expected literal rule to win: got %v (%s)", v.Kind, v.Reason)
	}

	v = p.MatchAction("a", "anything_else", nil)
	if v.Kind != VerdictBlock {
		t.Errorf("expected wildcard block for other actions, got %v", v.Kind)
	}
}

func TestMatchAction_NoMatchFallsToDefault(t *testing.T) {
	p := mustLoad(t, `{
		"default": "block",
		"rules": [{"action_type": "pay_invoice"}]
	}`)

	v := p.MatchAction("a", "delete_user", nil)
	if v.Kind != VerdictDefault {
		t.Errorf("expected Default, got %v", v.Kind)
	}
}

func TestMatchAction_WildcardConstraintExcludesActionsWithoutField(t *testing.T) {
	// A wildcard rule constraining params.amount silently excludes actions
	// that carry no amount: the missing path violates the positive
	// constraint.
	p := mustLoad(t, `{
		"rules": [{"action_type": "*", "constraints": {"params.amount": {"max": 1000}}}]
	}`)

	v := p.MatchAction("a", "send_email", map[string]interface{}{"to": "x@y.z"})
	if v.Kind != VerdictBlock {
		t.Fatalf("expected Block for missing amount, got %v", v.Kind)
	}
	if !strings.Contains(v.Reason, "missing") {
		t.Errorf("unexpected reason: %q", v.Reason)
	}
}

func TestMatchAction_PendingRuleCarriesQuotas(t *testing.T) {
	p := mustLoad(t, `{
		"rules": [{
			"action_type": "pay_invoice",
			"rate_limit": {"max_requests": 3, "window_seconds": 60},
			"aggregate_limit": {"field": "params.amount", "max": 50000, "window_seconds": 86400}
		}]
	}`)

	v := p.MatchAction("a", "pay_invoice", nil)
	if v.Kind != VerdictAllowPending {
		t.Fatalf("expected AllowPending, got %v", v.Kind)
	}
	if v.Rule == nil || v.Rule.RateLimit == nil || v.Rule.AggregateLimit == nil {
		t.Error("pending verdict must carry the matched rule and its limits")
	}
}
