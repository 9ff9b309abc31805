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

// Package audit records validation outcomes. Entries are submitted without
// blocking the decision path: a bounded queue absorbs bursts, a background
// worker persists them, and overload drops the oldest queued entry rather
// than stalling a caller.
package audit

import (
	"context"
	"time"
)

// Entry is one validated action together with its outcome. Simulated
// decisions never produce entries.
type Entry struct {
	ActionID        string                 `json:"action_id"`
	ProjectID       string                 `json:"project_id"`
	AgentName       string                 `json:"agent_name"`
	ActionType      string                 `json:"action_type"`
	Params          map[string]interface{} `json:"params,omitempty"`
	Allowed         bool                   `json:"allowed"`
	Reason          string                 `json:"reason,omitempty"`
	PolicyVersion   string                 `json:"policy_version,omitempty"`
	ExecutionTimeMS float64                `json:"execution_time_ms"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Sink accepts entries from the decision path. Append never blocks; false
// means the entry was dropped under backpressure.
type Sink interface {
	Append(entry Entry) bool
}

// Writer persists entries. The Postgres audit store implements this.
type Writer interface {
	Insert(ctx context.Context, entry Entry) error
}
