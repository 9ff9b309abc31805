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
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// maxReasonValueLen bounds how much of a parameter value a block reason may
// echo back to the caller.
const maxReasonValueLen = 120

// Constraint is a predicate on a single parameter path. Compatible tags may
// be combined (e.g. min+max); a value must satisfy every tag present.
type Constraint struct {
	Min *float64
	Max *float64
	In  []interface{}
	// NotIn is vacuously satisfied when the path is absent: a value that
	// isn't present cannot be in the blacklist.
	NotIn []interface{}

	Equals    interface{}
	HasEquals bool

	// Pattern uses partial-match semantics; anchors must be explicit.
	Pattern    *regexp.Regexp
	PatternSrc string

	// NotPattern blocks when the pattern is found anywhere in the value.
	NotPattern    *regexp.Regexp
	NotPatternSrc string

	// Reason overrides the block reason of any violation of this
	// constraint, so policies can avoid echoing matched content (PII
	// rules) or speak the caller's language.
	Reason string

	Contains    *string
	NotContains *string
}

// EvalResult reports whether a constraint held and, if not, why.
type EvalResult struct {
	Satisfied bool
	Reason    string
}

func satisfied() EvalResult {
	return EvalResult{Satisfied: true}
}

func violated(format string, args ...interface{}) EvalResult {
	return EvalResult{Satisfied: false, Reason: fmt.Sprintf(format, args...)}
}

func loadConstraint(ruleIndex int, path string, doc map[string]json.RawMessage) (*Constraint, error) {
	c := &Constraint{}
	for tag, raw := range doc {
		switch tag {
		case "min", "max":
			var n float64
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, fmt.Errorf("%w: rule %d: constraint %q: %s must be a number", ErrPolicyMalformed, ruleIndex, path, tag)
			}
			if tag == "min" {
				c.Min = &n
			} else {
				c.Max = &n
			}
		case "in", "not_in":
			var list []interface{}
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("%w: rule %d: constraint %q: %s must be a list", ErrPolicyMalformed, ruleIndex, path, tag)
			}
			if tag == "in" {
				c.In = list
			} else {
				c.NotIn = list
			}
		case "equals":
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("%w: rule %d: constraint %q: invalid equals value", ErrPolicyMalformed, ruleIndex, path)
			}
			c.Equals = v
			c.HasEquals = true
		case "pattern", "not_pattern":
			var src string
			if err := json.Unmarshal(raw, &src); err != nil {
				return nil, fmt.Errorf("%w: rule %d: constraint %q: %s must be a string", ErrPolicyMalformed, ruleIndex, path, tag)
			}
			re, err := regexp.Compile(src)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: constraint %q: %s does not compile: %v", ErrPolicyMalformed, ruleIndex, path, tag, err)
			}
			if tag == "pattern" {
				c.Pattern = re
				c.PatternSrc = src
			} else {
				c.NotPattern = re
				c.NotPatternSrc = src
			}
		case "contains", "not_contains":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: rule %d: constraint %q: %s must be a string", ErrPolicyMalformed, ruleIndex, path, tag)
			}
			if tag == "contains" {
				c.Contains = &s
			} else {
				c.NotContains = &s
			}
		case "reason":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: rule %d: constraint %q: reason must be a string", ErrPolicyMalformed, ruleIndex, path)
			}
			c.Reason = s
		default:
			return nil, fmt.Errorf("%w: rule %d: constraint %q: unknown tag %q", ErrPolicyMalformed, ruleIndex, path, tag)
		}
	}
	return c, nil
}

// ResolvePath walks a dot-separated path through a params tree. Each segment
// indexes an object key or, if numeric, an array element. A leading "params."
// prefix is stripped. Returns found=false when any segment is missing or the
// resolved value is an explicit null (present-null behaves like absent).
func ResolvePath(path string, params map[string]interface{}) (interface{}, bool) {
	path = strings.TrimPrefix(path, "params.")
	var value interface{} = params
	for _, segment := range strings.Split(path, ".") {
		switch v := value.(type) {
		case map[string]interface{}:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			value = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			value = v[idx]
		default:
			return nil, false
		}
	}
	if value == nil {
		return nil, false
	}
	return value, true
}

// Eval checks the constraint against the params tree. The reason of a
// violation cites the path and, unless the constraint carries a reason
// override, the observed value and the failing tag.
func (c *Constraint) Eval(path string, params map[string]interface{}) EvalResult {
	result := c.eval(path, params)
	if !result.Satisfied && c.Reason != "" {
		return violated("parameter %q: %s", path, c.Reason)
	}
	return result
}

func (c *Constraint) eval(path string, params map[string]interface{}) EvalResult {
	value, found := ResolvePath(path, params)

	if !found {
		// Positive predicates require a value; not_in and not_contains and
		// not_pattern cannot match what isn't there.
		if c.Min != nil || c.Max != nil || c.In != nil || c.HasEquals ||
			c.Pattern != nil || c.Contains != nil {
			return violated("parameter %q is missing", path)
		}
		return satisfied()
	}

	if c.Min != nil || c.Max != nil {
		n, ok := toNumber(value)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return violated("parameter %q value %s is not a finite number", path, renderValue(value))
		}
		if c.Min != nil && n < *c.Min {
			return violated("parameter %q value %v is below minimum %v", path, n, *c.Min)
		}
		if c.Max != nil && n > *c.Max {
			return violated("parameter %q value %v exceeds maximum %v", path, n, *c.Max)
		}
	}

	if c.In != nil {
		match := false
		for _, candidate := range c.In {
			if deepEqual(value, candidate) {
				match = true
				break
			}
		}
		if !match {
			return violated("parameter %q value %s not in allowed values", path, renderValue(value))
		}
	}

	for _, blocked := range c.NotIn {
		if deepEqual(value, blocked) {
			return violated("parameter %q value %s is blocked", path, renderValue(value))
		}
	}

	if c.HasEquals && !deepEqual(value, c.Equals) {
		return violated("parameter %q value %s does not equal required value %s", path, renderValue(value), renderValue(c.Equals))
	}

	if c.Pattern != nil {
		s, ok := value.(string)
		if !ok {
			return violated("parameter %q value %s is not a string for pattern match", path, renderValue(value))
		}
		if !c.Pattern.MatchString(s) {
			return violated("parameter %q value %s does not match pattern %q", path, renderValue(s), c.PatternSrc)
		}
	}

	if c.NotPattern != nil {
		if s, ok := value.(string); ok && c.NotPattern.MatchString(s) {
			return violated("parameter %q matches forbidden pattern %q", path, c.NotPatternSrc)
		}
	}

	if c.Contains != nil {
		s, ok := value.(string)
		if !ok || !strings.Contains(s, *c.Contains) {
			return violated("parameter %q must contain %q", path, *c.Contains)
		}
	}

	if c.NotContains != nil {
		if s, ok := value.(string); ok && strings.Contains(s, *c.NotContains) {
			return violated("parameter %q must not contain %q", path, *c.NotContains)
		}
	}

	return satisfied()
}

// toNumber accepts the numeric types a decoded JSON tree or a caller-built
// params map may carry. Strings are not coerced: mixing types is a violation.
func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// deepEqual compares two JSON-like values, promoting numbers to a common
// domain so 5 and 5.0 compare equal.
func deepEqual(a, b interface{}) bool {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		return an == bn
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// renderValue formats a parameter value for a block reason, truncated so
// reasons never echo unbounded caller content.
func renderValue(v interface{}) string {
	var s string
	switch t := v.(type) {
	case string:
		s = fmt.Sprintf("%q", t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%v", v)
		} else {
			s = string(data)
		}
	}
	if len(s) > maxReasonValueLen {
		s = s[:maxReasonValueLen] + "..."
	}
	return s
}
