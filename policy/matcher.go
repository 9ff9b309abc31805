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

import "fmt"

// VerdictKind classifies the outcome of rule matching.
type VerdictKind int

const (
	// VerdictBlock means a rule rejected the action; Reason is set.
	VerdictBlock VerdictKind = iota
	// VerdictAllowPending means a rule accepted the action but its quotas
	// (if any) still have to admit it; Rule is set.
	VerdictAllowPending
	// VerdictDefault means no rule applied; the policy default decides.
	VerdictDefault
)

// Verdict is the intermediate outcome of matching an action against a
// policy, before quota checks.
type Verdict struct {
	Kind   VerdictKind
	Reason string
	Rule   *Rule
}

// MatchAction selects the applicable rule for an action and produces the
// base verdict from agent lists and constraints.
//
// allowed_agents is a gate: an agent outside it skips the rule so later
// rules can still apply. blocked_agents is a bar: a listed agent (or the
// wildcard "*") blocks immediately. The asymmetry is deliberate.
func (p *Policy) MatchAction(agentName, actionType string, params map[string]interface{}) Verdict {
	candidates := p.Match(actionType)
	for i := range candidates {
		rule := &candidates[i]

		if rule.AllowedAgents != nil && !containsString(rule.AllowedAgents, agentName) {
			continue
		}

		if rule.BlockedAgents != nil &&
			(containsString(rule.BlockedAgents, agentName) || containsString(rule.BlockedAgents, Wildcard)) {
			return Verdict{
				Kind:   VerdictBlock,
				Reason: fmt.Sprintf("agent %q is blocked for action %q", agentName, actionType),
			}
		}

		for _, entry := range rule.Constraints {
			if res := entry.Constraint.Eval(entry.Path, params); !res.Satisfied {
				return Verdict{Kind: VerdictBlock, Reason: res.Reason}
			}
		}

		if rule.Effect == EffectBlock {
			return Verdict{
				Kind:   VerdictBlock,
				Reason: fmt.Sprintf("action %q is blocked by policy rule", actionType),
			}
		}

		return Verdict{Kind: VerdictAllowPending, Rule: rule}
	}

	return Verdict{Kind: VerdictDefault}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
