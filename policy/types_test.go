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
	"errors"
	"testing"
)

func TestLoad_Valid(t *testing.T) {
	raw := []byte(`{
		"name": "invoice-policy",
		"version": "2.3",
		"default": "block",
		"rules": [
			{
				"action_type": "pay_invoice",
				"constraints": {
					"params.amount": {"max": 10000, "min": 0},
					"params.currency": {"in": ["USD", "EUR"]}
				},
				"allowed_agents": ["invoice_agent"],
				"rate_limit": {"max_requests": 100, "window_seconds": 3600},
				"aggregate_limit": {"field": "params.amount", "max": 50000, "window_seconds": 86400}
			},
			{"action_type": "*", "blocked_agents": ["rogue_agent"]}
		]
	}`)

	p, err := Load(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Name != "invoice-policy" || p.Version != "2.3" || p.Default != EffectBlock {
		t.Errorf("unexpected policy header: %+v", p)
	}
	if len(p.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(p.Rules))
	}

	rule := p.Rules[0]
	if rule.ActionType != "pay_invoice" || rule.Effect != EffectAllow {
		t.Errorf("unexpected first rule: %+v", rule)
	}
	if len(rule.Constraints) != 2 {
		t.Errorf("expected 2 constraints, got %d", len(rule.Constraints))
	}
	if rule.RateLimit == nil || rule.RateLimit.MaxRequests != 100 || rule.RateLimit.WindowSeconds != 3600 {
		t.Errorf("unexpected rate limit: %+v", rule.RateLimit)
	}
	if rule.AggregateLimit == nil || rule.AggregateLimit.Max != 50000 || rule.AggregateLimit.Field != "params.amount" {
		t.Errorf("unexpected aggregate limit: %+v", rule.AggregateLimit)
	}
	if p.Rules[0].Identity == p.Rules[1].Identity {
		t.Error("rule identities must be distinct")
	}
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{`},
		{"not an object", `[]`},
		{"bad default", `{"default": "maybe"}`},
		{"numeric action_type", `{"rules": [{"action_type": 42}]}`},
		{"rules not a sequence", `{"rules": {"action_type": "x"}}`},
		{"unknown constraint tag", `{"rules": [{"constraints": {"params.x": {"at_most": 5}}}]}`},
		{"pattern does not compile", `{"rules": [{"constraints": {"params.x": {"pattern": "["}}}]}`},
		{"min not a number", `{"rules": [{"constraints": {"params.x": {"min": "low"}}}]}`},
		{"zero rate limit", `{"rules": [{"rate_limit": {"max_requests": 0, "window_seconds": 60}}]}`},
		{"negative window", `{"rules": [{"rate_limit": {"max_requests": 5, "window_seconds": -1}}]}`},
		{"rate limit missing window", `{"rules": [{"rate_limit": {"max_requests": 5}}]}`},
		{"negative aggregate max", `{"rules": [{"aggregate_limit": {"max": -1, "window_seconds": 60}}]}`},
		{"aggregate missing max", `{"rules": [{"aggregate_limit": {"window_seconds": 60}}]}`},
		{"unknown calendar window", `{"rules": [{"aggregate_limit": {"max": 10, "window": "fortnightly"}}]}`},
		{"bad effect", `{"rules": [{"effect": "deny"}]}`},
		{"agents not a list", `{"rules": [{"allowed_agents": "bob"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrPolicyMalformed) {
				t.Errorf("expected ErrPolicyMalformed, got %v", err)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	p, err := Load([]byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Default != EffectAllow {
		t.Errorf("expected default allow, got %s", p.Default)
	}
	if !p.Empty() {
		t.Error("expected empty policy")
	}
}

func TestLoad_UnknownTopLevelTolerated(t *testing.T) {
	p, err := Load([]byte(`{"default": "allow", "rules": [], "x-annotations": {"owner": "finops"}}`))
	if err != nil {
		t.Fatalf("unknown top-level field should be tolerated: %v", err)
	}
	if p.Default != EffectAllow {
		t.Errorf("unexpected default: %s", p.Default)
	}
}

func TestLoad_CalendarWindows(t *testing.T) {
	tests := []struct {
		window  string
		seconds int
	}{
		{`"hourly"`, 3600},
		{`"daily"`, 86400},
		{`"weekly"`, 604800},
		{`"rolling_hours:6"`, 21600},
		{`120`, 120},
	}

	for _, tt := range tests {
		t.Run(tt.window, func(t *testing.T) {
			raw := `{"rules": [{"aggregate_limit": {"max": 100, "window": ` + tt.window + `}}]}`
			p, err := Load([]byte(raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := p.Rules[0].AggregateLimit.WindowSeconds; got != tt.seconds {
				t.Errorf("expected %d seconds, got %d", tt.seconds, got)
			}
		})
	}
}

func TestLoad_LegacyAggregateSpellings(t *testing.T) {
	raw := []byte(`{"rules": [{"aggregate_limit": {"max_value": 50000, "param_path": "amount", "window": "daily"}}]}`)
	p, err := Load(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	al := p.Rules[0].AggregateLimit
	if al.Max != 50000 || al.Field != "amount" || al.WindowSeconds != 86400 {
		t.Errorf("unexpected aggregate limit: %+v", al)
	}
}

func TestPolicy_Match_SpecificityBeforeWildcard(t *testing.T) {
	raw := []byte(`{
		"rules": [
			{"action_type": "*"},
			{"action_type": "pay_invoice"},
			{"action_type": "*"},
			{"action_type": "pay_invoice"}
		]
	}`)
	p, err := Load(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matched := p.Match("pay_invoice")
	if len(matched) != 4 {
		t.Fatalf("expected 4 matches, got %d", len(matched))
	}
	// Literal matches first in declaration order, then wildcards in
	// declaration order.
	want := []string{"rule_1_pay_invoice", "rule_3_pay_invoice", "rule_0_*", "rule_2_*"}
	for i, rule := range matched {
		if rule.Identity != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], rule.Identity)
		}
	}

	other := p.Match("delete_user")
	if len(other) != 2 {
		t.Errorf("expected only wildcard matches, got %d", len(other))
	}
}
