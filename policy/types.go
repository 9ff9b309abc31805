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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrPolicyMalformed is returned when a policy document fails validation at
// load time. Callers should treat it as a client error, not an infrastructure
// fault.
var ErrPolicyMalformed = errors.New("policy malformed")

// Effect is the outcome a rule or policy default prescribes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectBlock Effect = "block"
)

// Wildcard matches every action type (and, in blocked_agents, every agent).
const Wildcard = "*"

// Policy is the typed, validated form of a policy document. Policies are
// immutable once loaded; updates install a new Policy.
type Policy struct {
	Name    string
	Version string
	Default Effect
	Rules   []Rule
}

// Rule scopes a set of constraints and quotas to an action type and agent
// lists. ActionType is a literal or the wildcard "*".
type Rule struct {
	ActionType     string
	Effect         Effect
	Constraints    []ConstraintEntry
	AllowedAgents  []string // nil means the gate is absent
	BlockedAgents  []string // nil means the bar is absent
	RateLimit      *RateLimit
	AggregateLimit *AggregateLimit

	// Identity is stable across loads of the same document and keys the
	// rule's aggregate counter.
	Identity string
}

// ConstraintEntry pairs a dotted parameter path with its constraint.
type ConstraintEntry struct {
	Path       string
	Constraint *Constraint
}

// RateLimit bounds request counts per (project, agent, action_type) over a
// rolling window.
type RateLimit struct {
	MaxRequests   int
	WindowSeconds int
}

// AggregateLimit caps the sum of a numeric parameter across allowed actions
// over a rolling window, keyed by (project, rule identity).
type AggregateLimit struct {
	Field         string
	Max           float64
	WindowSeconds int
}

// calendar window shorthand accepted in policy documents, normalized to
// seconds at load time
var calendarWindows = map[string]int{
	"hourly": 3600,
	"daily":  86400,
	"weekly": 604800,
}

var rollingHoursRe = regexp.MustCompile(`^rolling_hours:(\d+)$`)

// Load parses and validates a raw policy document. Unknown top-level fields
// are tolerated for forward compatibility; unknown constraint tags, invalid
// patterns, negative limits, and a default outside {allow, block} are
// rejected with ErrPolicyMalformed.
func Load(raw []byte) (*Policy, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrPolicyMalformed, err)
	}

	p := &Policy{
		Name:    "default",
		Version: "1.0",
		Default: EffectAllow,
	}

	if rawName, ok := doc["name"]; ok {
		if err := json.Unmarshal(rawName, &p.Name); err != nil {
			return nil, fmt.Errorf("%w: name must be a string", ErrPolicyMalformed)
		}
	}
	if rawVersion, ok := doc["version"]; ok {
		if err := json.Unmarshal(rawVersion, &p.Version); err != nil {
			return nil, fmt.Errorf("%w: version must be a string", ErrPolicyMalformed)
		}
	}
	if rawDefault, ok := doc["default"]; ok {
		var def string
		if err := json.Unmarshal(rawDefault, &def); err != nil {
			return nil, fmt.Errorf("%w: default must be a string", ErrPolicyMalformed)
		}
		if def != string(EffectAllow) && def != string(EffectBlock) {
			return nil, fmt.Errorf("%w: default must be \"allow\" or \"block\", got %q", ErrPolicyMalformed, def)
		}
		p.Default = Effect(def)
	}

	if rawRules, ok := doc["rules"]; ok {
		var ruleDocs []map[string]json.RawMessage
		if err := json.Unmarshal(rawRules, &ruleDocs); err != nil {
			return nil, fmt.Errorf("%w: rules must be a sequence of objects", ErrPolicyMalformed)
		}
		for i, rd := range ruleDocs {
			rule, err := loadRule(i, rd)
			if err != nil {
				return nil, err
			}
			p.Rules = append(p.Rules, *rule)
		}
	}

	return p, nil
}

func loadRule(index int, doc map[string]json.RawMessage) (*Rule, error) {
	rule := &Rule{
		ActionType: Wildcard,
		Effect:     EffectAllow,
		Identity:   fmt.Sprintf("rule_%d", index),
	}

	if raw, ok := doc["action_type"]; ok {
		if err := json.Unmarshal(raw, &rule.ActionType); err != nil {
			return nil, fmt.Errorf("%w: rule %d: action_type must be a string", ErrPolicyMalformed, index)
		}
	}
	rule.Identity = fmt.Sprintf("rule_%d_%s", index, rule.ActionType)

	if raw, ok := doc["effect"]; ok {
		var effect string
		if err := json.Unmarshal(raw, &effect); err != nil {
			return nil, fmt.Errorf("%w: rule %d: effect must be a string", ErrPolicyMalformed, index)
		}
		if effect != string(EffectAllow) && effect != string(EffectBlock) {
			return nil, fmt.Errorf("%w: rule %d: effect must be \"allow\" or \"block\", got %q", ErrPolicyMalformed, index, effect)
		}
		rule.Effect = Effect(effect)
	}

	if raw, ok := doc["constraints"]; ok {
		var constraintDocs map[string]map[string]json.RawMessage
		if err := json.Unmarshal(raw, &constraintDocs); err != nil {
			return nil, fmt.Errorf("%w: rule %d: constraints must map paths to constraint objects", ErrPolicyMalformed, index)
		}
		// JSON objects are unordered; sort by path so evaluation order
		// (and therefore which violation is reported first) is stable.
		paths := make([]string, 0, len(constraintDocs))
		for path := range constraintDocs {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			c, err := loadConstraint(index, path, constraintDocs[path])
			if err != nil {
				return nil, err
			}
			rule.Constraints = append(rule.Constraints, ConstraintEntry{Path: path, Constraint: c})
		}
	}

	var err error
	if rule.AllowedAgents, err = loadAgentList(index, doc, "allowed_agents"); err != nil {
		return nil, err
	}
	if rule.BlockedAgents, err = loadAgentList(index, doc, "blocked_agents"); err != nil {
		return nil, err
	}

	if raw, ok := doc["rate_limit"]; ok {
		rl, err := loadRateLimit(index, raw)
		if err != nil {
			return nil, err
		}
		rule.RateLimit = rl
	}

	if raw, ok := doc["aggregate_limit"]; ok {
		al, err := loadAggregateLimit(index, raw)
		if err != nil {
			return nil, err
		}
		rule.AggregateLimit = al
	}

	return rule, nil
}

func loadAgentList(index int, doc map[string]json.RawMessage, key string) ([]string, error) {
	raw, ok := doc[key]
	if !ok {
		return nil, nil
	}
	// Explicit null is the same as absent
	var probe interface{}
	if err := json.Unmarshal(raw, &probe); err == nil && probe == nil {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: rule %d: %s must be a list of strings", ErrPolicyMalformed, index, key)
	}
	return list, nil
}

func loadRateLimit(index int, raw json.RawMessage) (*RateLimit, error) {
	var doc struct {
		MaxRequests   *int `json:"max_requests"`
		WindowSeconds *int `json:"window_seconds"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: rule %d: rate_limit must be an object", ErrPolicyMalformed, index)
	}
	if doc.MaxRequests == nil || doc.WindowSeconds == nil {
		return nil, fmt.Errorf("%w: rule %d: rate_limit requires max_requests and window_seconds", ErrPolicyMalformed, index)
	}
	if *doc.MaxRequests <= 0 || *doc.WindowSeconds <= 0 {
		return nil, fmt.Errorf("%w: rule %d: rate_limit values must be positive", ErrPolicyMalformed, index)
	}
	return &RateLimit{MaxRequests: *doc.MaxRequests, WindowSeconds: *doc.WindowSeconds}, nil
}

func loadAggregateLimit(index int, raw json.RawMessage) (*AggregateLimit, error) {
	var doc struct {
		Field         string      `json:"field"`
		ParamPath     string      `json:"param_path"` // legacy spelling of field
		Max           *float64    `json:"max"`
		MaxValue      *float64    `json:"max_value"` // legacy spelling of max
		WindowSeconds *int        `json:"window_seconds"`
		Window        interface{} `json:"window"` // calendar shorthand or seconds
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: rule %d: aggregate_limit must be an object", ErrPolicyMalformed, index)
	}

	al := &AggregateLimit{Field: doc.Field}
	if al.Field == "" {
		al.Field = doc.ParamPath
	}
	if al.Field == "" {
		al.Field = "amount"
	}

	switch {
	case doc.Max != nil:
		al.Max = *doc.Max
	case doc.MaxValue != nil:
		al.Max = *doc.MaxValue
	default:
		return nil, fmt.Errorf("%w: rule %d: aggregate_limit requires max", ErrPolicyMalformed, index)
	}
	if al.Max < 0 {
		return nil, fmt.Errorf("%w: rule %d: aggregate_limit max must not be negative", ErrPolicyMalformed, index)
	}

	switch {
	case doc.WindowSeconds != nil:
		al.WindowSeconds = *doc.WindowSeconds
	case doc.Window != nil:
		seconds, err := windowToSeconds(doc.Window)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrPolicyMalformed, index, err)
		}
		al.WindowSeconds = seconds
	default:
		al.WindowSeconds = 86400
	}
	if al.WindowSeconds <= 0 {
		return nil, fmt.Errorf("%w: rule %d: aggregate_limit window must be positive", ErrPolicyMalformed, index)
	}

	return al, nil
}

// windowToSeconds converts the calendar shorthand ("hourly", "daily",
// "weekly", "rolling_hours:N") or a bare number of seconds to seconds.
func windowToSeconds(window interface{}) (int, error) {
	switch w := window.(type) {
	case string:
		if seconds, ok := calendarWindows[w]; ok {
			return seconds, nil
		}
		if m := rollingHoursRe.FindStringSubmatch(w); m != nil {
			var hours int
			if _, err := fmt.Sscanf(m[1], "%d", &hours); err == nil && hours > 0 {
				return hours * 3600, nil
			}
		}
		return 0, fmt.Errorf("unknown window %q", w)
	case float64:
		if w <= 0 || w != float64(int(w)) {
			return 0, fmt.Errorf("window must be a positive whole number of seconds")
		}
		return int(w), nil
	default:
		return 0, fmt.Errorf("window must be a string or number")
	}
}

// Match returns the rules applicable to actionType: literal matches first,
// then wildcard matches, each group in declaration order.
func (p *Policy) Match(actionType string) []Rule {
	var literal, wildcard []Rule
	for _, rule := range p.Rules {
		switch rule.ActionType {
		case actionType:
			literal = append(literal, rule)
		case Wildcard:
			wildcard = append(wildcard, rule)
		}
	}
	return append(literal, wildcard...)
}

// Empty reports whether the policy has no rules. An empty policy with
// default=block blocks everything; that is a configuration, not a fault.
func (p *Policy) Empty() bool {
	return len(p.Rules) == 0
}
