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

package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// Template is a ready-made policy document a project can install as a
// starting point via PUT /policies/{project_id}.
type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Policy      json.RawMessage `json:"policy,omitempty"`
}

var templates = []Template{
	{
		ID:          "finance",
		Name:        "Finance Guardrails",
		Description: "Payment caps, currency allowlists, and daily spend limits for agents that move money.",
		Policy: json.RawMessage(`{
			"name": "finance-guardrails",
			"version": "1.0",
			"default": "block",
			"rules": [
				{
					"action_type": "send_payment",
					"effect": "allow",
					"constraints": {
						"amount": {"min": 0.01, "max": 10000},
						"currency": {"in": ["USD", "EUR", "GBP"]}
					},
					"rate_limit": {"max_requests": 10, "window_seconds": 60},
					"aggregate_limit": {"field": "amount", "max": 50000, "window": "daily"}
				},
				{
					"action_type": "refund_payment",
					"effect": "allow",
					"constraints": {
						"amount": {"min": 0.01, "max": 5000}
					},
					"rate_limit": {"max_requests": 5, "window_seconds": 60}
				},
				{
					"action_type": "read_balance",
					"effect": "allow"
				}
			]
		}`),
	},
	{
		ID:          "healthcare",
		Name:        "Healthcare Guardrails",
		Description: "Restricts record access to approved agents and blocks bulk exports of patient data.",
		Policy: json.RawMessage(`{
			"name": "healthcare-guardrails",
			"version": "1.0",
			"default": "block",
			"rules": [
				{
					"action_type": "read_patient_record",
					"effect": "allow",
					"allowed_agents": ["care-coordinator", "triage-assistant"],
					"rate_limit": {"max_requests": 30, "window_seconds": 60}
				},
				{
					"action_type": "export_records",
					"effect": "block"
				},
				{
					"action_type": "schedule_appointment",
					"effect": "allow",
					"rate_limit": {"max_requests": 20, "window_seconds": 60}
				}
			]
		}`),
	},
	{
		ID:          "general",
		Name:        "General Safety Net",
		Description: "Allow-by-default with a global rate limit and a block on destructive operations.",
		Policy: json.RawMessage(`{
			"name": "general-safety-net",
			"version": "1.0",
			"default": "allow",
			"rules": [
				{
					"action_type": "delete_resource",
					"effect": "block"
				},
				{
					"action_type": "*",
					"effect": "allow",
					"rate_limit": {"max_requests": 100, "window_seconds": 60}
				}
			]
		}`),
	},
}

// handleListTemplates returns template metadata without policy documents.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	meta := make([]Template, 0, len(templates))
	for _, t := range templates {
		meta = append(meta, Template{ID: t.ID, Name: t.Name, Description: t.Description})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": meta})
}

// handleGetTemplate returns one template with its full policy document.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["template_id"]
	for _, t := range templates {
		if t.ID == id {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "template not found; available: finance, healthcare, general")
}
