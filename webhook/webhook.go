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

// Package webhook notifies project-configured endpoints about blocked
// actions. Delivery happens off the decision path with retries; Slack and
// Discord endpoints get payloads shaped for their incoming-webhook formats.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentgate/platform/shared/logger"
)

var sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhook_sent_total",
	Help: "Webhook deliveries by project and result",
}, []string{"project_id", "success"})

const maxRetries = 3

// BlockedAction is the notification payload for one blocked action.
type BlockedAction struct {
	Event      string                 `json:"event"`
	ActionID   string                 `json:"action_id"`
	ProjectID  string                 `json:"project_id"`
	AgentName  string                 `json:"agent_name"`
	ActionType string                 `json:"action_type"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Reason     string                 `json:"reason"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Notifier delivers blocked-action notifications.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	log     *logger.Logger
}

// NewNotifier creates a notifier with the given per-request timeout.
func NewNotifier(timeout time.Duration, log *logger.Logger) *Notifier {
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		log:     log,
	}
}

// NotifyAsync delivers in a fresh goroutine so the caller never waits.
func (n *Notifier) NotifyAsync(url string, action BlockedAction) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n.Notify(ctx, url, action)
	}()
}

// Notify delivers one notification with exponential backoff, returning
// whether any attempt succeeded.
func (n *Notifier) Notify(ctx context.Context, url string, action BlockedAction) bool {
	action.Event = "action_blocked"

	var payload interface{} = action
	switch {
	case strings.Contains(url, "hooks.slack.com"):
		payload = slackPayload(action)
	case strings.Contains(url, "discord.com/api/webhooks"):
		payload = discordPayload(action)
	}

	success := n.sendWithRetry(ctx, url, payload, action.ProjectID)
	sentTotal.WithLabelValues(action.ProjectID, fmt.Sprintf("%t", success)).Inc()
	return success
}

func (n *Notifier) sendWithRetry(ctx context.Context, url string, payload interface{}, projectID string) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error(projectID, "", "failed to marshal webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			n.log.Error(projectID, "", "failed to build webhook request", map[string]interface{}{
				"error": err.Error(),
			})
			return false
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err == nil {
			status := resp.StatusCode
			resp.Body.Close()
			if status < 300 {
				return true
			}
			n.log.Warn(projectID, "", "webhook returned non-success status", map[string]interface{}{
				"status_code": status,
				"attempt":     attempt + 1,
			})
		} else {
			n.log.Warn(projectID, "", "webhook request failed", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempt + 1,
			})
		}

		if attempt < maxRetries-1 {
			select {
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			case <-ctx.Done():
				return false
			}
		}
	}

	n.log.Error(projectID, "", "webhook failed after all retries", map[string]interface{}{
		"max_retries": maxRetries,
	})
	return false
}

func shortActionID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

func slackPayload(action BlockedAction) map[string]interface{} {
	header := map[string]interface{}{
		"type": "header",
		"text": map[string]interface{}{
			"type":  "plain_text",
			"text":  ":no_entry: Action Blocked",
			"emoji": true,
		},
	}
	fields := map[string]interface{}{
		"type": "section",
		"fields": []map[string]interface{}{
			{"type": "mrkdwn", "text": "*Agent:*\n" + action.AgentName},
			{"type": "mrkdwn", "text": "*Action:*\n" + action.ActionType},
			{"type": "mrkdwn", "text": "*Project:*\n" + action.ProjectID},
			{"type": "mrkdwn", "text": "*Action ID:*\n`" + shortActionID(action.ActionID) + "`"},
		},
	}
	reason := map[string]interface{}{
		"type": "section",
		"text": map[string]interface{}{
			"type": "mrkdwn",
			"text": "*Reason:*\n" + action.Reason,
		},
	}
	footer := map[string]interface{}{
		"type": "context",
		"elements": []map[string]interface{}{
			{"type": "mrkdwn", "text": "Blocked at " + action.Timestamp.UTC().Format(time.RFC3339)},
		},
	}
	return map[string]interface{}{
		"text":   ":no_entry: Action Blocked",
		"blocks": []map[string]interface{}{header, fields, reason, footer},
	}
}

func discordPayload(action BlockedAction) map[string]interface{} {
	embed := map[string]interface{}{
		"title": ":no_entry: Action Blocked",
		"color": 15158332,
		"fields": []map[string]interface{}{
			{"name": "Agent", "value": action.AgentName, "inline": true},
			{"name": "Action", "value": action.ActionType, "inline": true},
			{"name": "Project", "value": action.ProjectID, "inline": true},
			{"name": "Reason", "value": action.Reason, "inline": false},
		},
		"footer": map[string]interface{}{
			"text": "Action ID: " + shortActionID(action.ActionID),
		},
		"timestamp": action.Timestamp.UTC().Format(time.RFC3339),
	}
	return map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
}
