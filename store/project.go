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
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project is one gateway tenant. Agents authenticate with the project's API
// key; decisions, policies, and audit logs are all scoped to the project.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	APIKey     string    `json:"api_key,omitempty"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProjectStore persists projects.
type ProjectStore struct {
	db *sql.DB
}

// NewProjectStore creates a project store over the given database.
func NewProjectStore(db *sql.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// newAPIKey generates a project API key with the "ag_" prefix.
func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return "ag_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create inserts a project with a freshly generated id and API key. The API
// key is returned here and never listed again.
func (s *ProjectStore) Create(ctx context.Context, name, webhookURL string) (*Project, error) {
	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	p := &Project{
		ID:         uuid.New().String(),
		Name:       name,
		APIKey:     key,
		WebhookURL: webhookURL,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, api_key, webhook_url, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.APIKey, p.WebhookURL, p.Active, p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

// Get returns a project by id, or ErrProjectNotFound. The API key is not
// populated.
func (s *ProjectStore) Get(ctx context.Context, id string) (*Project, error) {
	p := &Project{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, webhook_url, active, created_at
		FROM projects WHERE id = $1`,
		id,
	).Scan(&p.Name, &p.WebhookURL, &p.Active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return p, nil
}

// GetByAPIKey resolves an API key to its active project, or
// ErrProjectNotFound. Inactive projects do not authenticate.
func (s *ProjectStore) GetByAPIKey(ctx context.Context, apiKey string) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, webhook_url, active, created_at
		FROM projects WHERE api_key = $1 AND active`,
		apiKey,
	).Scan(&p.ID, &p.Name, &p.WebhookURL, &p.Active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve API key: %w", err)
	}
	return p, nil
}

// List returns all projects, newest first, without API keys.
func (s *ProjectStore) List(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, webhook_url, active, created_at
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.WebhookURL, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	return out, nil
}

// UpdateProjectRequest carries the mutable project fields. Nil means leave
// unchanged.
type UpdateProjectRequest struct {
	Name       *string `json:"name,omitempty"`
	WebhookURL *string `json:"webhook_url,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

// Update applies the non-nil fields of the request.
func (s *ProjectStore) Update(ctx context.Context, id string, req UpdateProjectRequest) (*Project, error) {
	updates := []string{}
	args := []interface{}{}
	argNum := 1

	if req.Name != nil {
		updates = append(updates, fmt.Sprintf("name = $%d", argNum))
		args = append(args, *req.Name)
		argNum++
	}
	if req.WebhookURL != nil {
		updates = append(updates, fmt.Sprintf("webhook_url = $%d", argNum))
		args = append(args, *req.WebhookURL)
		argNum++
	}
	if req.Active != nil {
		updates = append(updates, fmt.Sprintf("active = $%d", argNum))
		args = append(args, *req.Active)
		argNum++
	}
	if len(updates) == 0 {
		return s.Get(ctx, id)
	}

	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = $%d",
		strings.Join(updates, ", "), argNum)
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update project %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrProjectNotFound
	}
	return s.Get(ctx, id)
}

// RotateAPIKey replaces a project's API key and returns the new one.
func (s *ProjectStore) RotateAPIKey(ctx context.Context, id string) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET api_key = $1 WHERE id = $2`, key, id)
	if err != nil {
		return "", fmt.Errorf("failed to rotate API key for project %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrProjectNotFound
	}
	return key, nil
}
