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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentgate/platform/audit"
)

// DefaultPageSize is the audit listing page size when the caller gives none.
const DefaultPageSize = 20

// MaxPageSize caps the audit listing page size.
const MaxPageSize = 100

// AuditStore persists audit entries. It implements audit.Writer for the
// async queue and serves the listing and stats queries.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store over the given database.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Insert implements audit.Writer.
func (s *AuditStore) Insert(ctx context.Context, entry audit.Entry) error {
	var params interface{}
	if entry.Params != nil {
		data, err := json.Marshal(entry.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal audit params: %w", err)
		}
		params = data
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			action_id, project_id, agent_name, action_type, params,
			allowed, reason, policy_version, execution_time_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ActionID, entry.ProjectID, entry.AgentName, entry.ActionType, params,
		entry.Allowed, entry.Reason, entry.PolicyVersion, entry.ExecutionTimeMS, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListFilter narrows an audit listing. Cursor is the id of the last row of
// the previous page; zero starts from the newest entry.
type ListFilter struct {
	AgentName  string
	ActionType string
	Allowed    *bool
	Cursor     int64
	Limit      int
}

// LogRecord is one listed audit row. ID doubles as the pagination cursor.
type LogRecord struct {
	ID int64 `json:"id"`
	audit.Entry
}

// List returns one page of a project's audit log in insertion order,
// descending. The second return value is the cursor for the next page, zero
// when this page is the last.
func (s *AuditStore) List(ctx context.Context, projectID string, filter ListFilter) ([]LogRecord, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	conditions := []string{"project_id = $1"}
	args := []interface{}{projectID}
	argNum := 2

	if filter.Cursor > 0 {
		conditions = append(conditions, fmt.Sprintf("id < $%d", argNum))
		args = append(args, filter.Cursor)
		argNum++
	}
	if filter.AgentName != "" {
		conditions = append(conditions, fmt.Sprintf("agent_name = $%d", argNum))
		args = append(args, filter.AgentName)
		argNum++
	}
	if filter.ActionType != "" {
		conditions = append(conditions, fmt.Sprintf("action_type = $%d", argNum))
		args = append(args, filter.ActionType)
		argNum++
	}
	if filter.Allowed != nil {
		conditions = append(conditions, fmt.Sprintf("allowed = $%d", argNum))
		args = append(args, *filter.Allowed)
		argNum++
	}

	query := fmt.Sprintf(`
		SELECT id, action_id, agent_name, action_type, params,
		       allowed, reason, policy_version, execution_time_ms, created_at
		FROM audit_logs
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d`,
		strings.Join(conditions, " AND "), argNum)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var records []LogRecord
	for rows.Next() {
		var rec LogRecord
		var params []byte
		if err := rows.Scan(&rec.ID, &rec.ActionID, &rec.AgentName, &rec.ActionType, &params,
			&rec.Allowed, &rec.Reason, &rec.PolicyVersion, &rec.ExecutionTimeMS, &rec.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit row: %w", err)
		}
		rec.ProjectID = projectID
		if len(params) > 0 {
			if err := json.Unmarshal(params, &rec.Params); err != nil {
				return nil, 0, fmt.Errorf("failed to decode audit params: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read audit entries: %w", err)
	}

	var next int64
	if len(records) > limit {
		records = records[:limit]
		next = records[limit-1].ID
	}
	return records, next, nil
}

// Stats summarizes a project's audit log since a point in time.
type Stats struct {
	Total    int64            `json:"total"`
	Allowed  int64            `json:"allowed"`
	Blocked  int64            `json:"blocked"`
	ByAction map[string]int64 `json:"by_action"`
}

// GetStats computes decision counts for a project since the given time.
func (s *AuditStore) GetStats(ctx context.Context, projectID string, since time.Time) (*Stats, error) {
	stats := &Stats{ByAction: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE allowed),
		       COUNT(*) FILTER (WHERE NOT allowed)
		FROM audit_logs
		WHERE project_id = $1 AND created_at >= $2`,
		projectID, since,
	).Scan(&stats.Total, &stats.Allowed, &stats.Blocked)
	if err != nil {
		return nil, fmt.Errorf("failed to compute audit stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, COUNT(*)
		FROM audit_logs
		WHERE project_id = $1 AND created_at >= $2
		GROUP BY action_type
		ORDER BY COUNT(*) DESC`,
		projectID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute per-action stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan per-action stats: %w", err)
		}
		stats.ByAction[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read per-action stats: %w", err)
	}
	return stats, nil
}
