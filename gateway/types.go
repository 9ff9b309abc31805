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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInfra marks infrastructure faults: a backing store was unreachable or
// timed out. With fail-closed disabled these surface to the caller; they are
// never policy decisions.
var ErrInfra = errors.New("infrastructure fault")

// ErrInvalidAction is returned when an action is missing a required field.
var ErrInvalidAction = errors.New("invalid action")

// Action is one intended operation submitted for validation.
type Action struct {
	ProjectID  string                 `json:"project_id"`
	AgentName  string                 `json:"agent_name"`
	ActionType string                 `json:"action_type"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Validate checks the required fields.
func (a Action) Validate() error {
	if a.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidAction)
	}
	if a.AgentName == "" {
		return fmt.Errorf("%w: agent_name is required", ErrInvalidAction)
	}
	if a.ActionType == "" {
		return fmt.Errorf("%w: action_type is required", ErrInvalidAction)
	}
	return nil
}

// Decision is the validation outcome. ActionID is empty exactly when the
// decision was simulated; Reason is non-empty exactly when the action was
// blocked.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	ActionID        string    `json:"action_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason,omitempty"`
	PolicyVersion   string    `json:"policy_version,omitempty"`
	ExecutionTimeMS float64   `json:"execution_time_ms"`
	Simulated       bool      `json:"simulated"`
}

// Options modifies a Decide call.
type Options struct {
	// Simulate evaluates the action without consuming quota or writing
	// audit entries.
	Simulate bool
}

// Clock supplies the pipeline's notion of time. Injected so tests control
// quota windows and timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// newActionID creates an audit identity like "act_3f2a9c0d1b4e8f67".
func newActionID() string {
	return "act_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
