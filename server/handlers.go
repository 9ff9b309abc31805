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
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"agentgate/platform/gateway"
	"agentgate/platform/policy"
	"agentgate/platform/store"
	"agentgate/platform/webhook"
)

// maxBodySize bounds request bodies on every decoding endpoint.
const maxBodySize = 1 << 20

type validateRequest struct {
	AgentName  string                 `json:"agent_name"`
	ActionType string                 `json:"action_type"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Simulate   bool                   `json:"simulate,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())

	var req validateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	simulate := req.Simulate
	if v := r.URL.Query().Get("simulate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "simulate must be a boolean")
			return
		}
		simulate = b
	}

	action := gateway.Action{
		ProjectID:  project.ID,
		AgentName:  req.AgentName,
		ActionType: req.ActionType,
		Params:     req.Params,
	}

	decision, err := s.decider.Decide(r.Context(), action, gateway.Options{Simulate: simulate})
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidAction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "validation unavailable")
		return
	}

	if !decision.Allowed && !decision.Simulated && project.WebhookURL != "" {
		s.notifier.NotifyAsync(project.WebhookURL, webhook.BlockedAction{
			ActionID:   decision.ActionID,
			ProjectID:  project.ID,
			AgentName:  action.AgentName,
			ActionType: action.ActionType,
			Params:     action.Params,
			Reason:     decision.Reason,
			Timestamp:  decision.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	p, err := s.decider.UpsertPolicy(r.Context(), projectID, raw)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyMalformed) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "failed to store policy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "updated",
		"project_id":     projectID,
		"policy_name":    p.Name,
		"policy_version": p.Version,
		"rules":          len(p.Rules),
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	stored, err := s.decider.GetActivePolicy(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "no policy configured for project")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "failed to load policy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": stored.ProjectID,
		"name":       stored.Name,
		"version":    stored.Version,
		"document":   json.RawMessage(stored.Document),
		"created_at": stored.CreatedAt,
	})
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := s.decider.PolicyHistory(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to load policy history")
		return
	}

	versions := make([]map[string]interface{}, 0, len(history))
	for _, stored := range history {
		versions = append(versions, map[string]interface{}{
			"name":       stored.Name,
			"version":    stored.Version,
			"document":   json.RawMessage(stored.Document),
			"created_at": stored.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"versions":   versions,
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	q := r.URL.Query()

	filter := store.ListFilter{
		AgentName:  q.Get("agent_name"),
		ActionType: q.Get("action_type"),
	}
	if v := q.Get("allowed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "allowed must be a boolean")
			return
		}
		filter.Allowed = &b
	}
	if v := q.Get("cursor"); v != "" {
		cursor, err := strconv.ParseInt(v, 10, 64)
		if err != nil || cursor < 0 {
			writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
			return
		}
		filter.Cursor = cursor
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	records, next, err := s.logs.List(r.Context(), projectID, filter)
	if err != nil {
		s.log.Error(projectID, "", "audit listing failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusServiceUnavailable, "failed to list audit logs")
		return
	}
	if records == nil {
		records = []store.LogRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":        records,
		"next_cursor": next,
	})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	stats, err := s.logs.GetStats(r.Context(), projectID, since)
	if err != nil {
		s.log.Error(projectID, "", "audit stats failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusServiceUnavailable, "failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"since":      since,
		"stats":      stats,
	})
}

type createProjectRequest struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := s.projects.Create(r.Context(), req.Name, req.WebhookURL)
	if err != nil {
		s.log.Error("", "", "project creation failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusServiceUnavailable, "failed to create project")
		return
	}

	// The API key is returned exactly once, here.
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["project_id"]

	project, err := s.projects.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "failed to load project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["project_id"]

	var req store.UpdateProjectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	project, err := s.projects.Update(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "failed to update project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["project_id"]

	key, err := s.projects.RotateAPIKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "failed to rotate API key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"project_id": id,
		"api_key":    key,
	})
}
