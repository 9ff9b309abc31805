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
	"fmt"
	"time"
)

// StoredPolicy is one policy row. Document is the raw policy JSON as
// submitted; the gateway parses it on load.
type StoredPolicy struct {
	ProjectID string
	Name      string
	Version   string
	Document  []byte
	CreatedAt time.Time
}

// PolicyStore persists policy documents. Exactly one policy per project is
// active; updates supersede the previous active row rather than mutating it,
// so history is retained.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore creates a policy store over the given database.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// Get returns the active policy for a project, or ErrPolicyNotFound.
func (s *PolicyStore) Get(ctx context.Context, projectID string) (*StoredPolicy, error) {
	query := `
		SELECT name, version, document, created_at
		FROM policies
		WHERE project_id = $1 AND active
	`
	p := &StoredPolicy{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(&p.Name, &p.Version, &p.Document, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy for project %s: %w", projectID, err)
	}
	return p, nil
}

// Put atomically replaces the active policy for a project. The previous
// active row is archived, not deleted.
func (s *PolicyStore) Put(ctx context.Context, projectID, name, version string, document []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin policy update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET active = FALSE WHERE project_id = $1 AND active`,
		projectID,
	); err != nil {
		return fmt.Errorf("failed to archive previous policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policies (project_id, name, version, document, active, created_at)
		 VALUES ($1, $2, $3, $4, TRUE, NOW())`,
		projectID, name, version, document,
	); err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy update: %w", err)
	}
	return nil
}

// History returns archived and active policies for a project, newest first.
func (s *PolicyStore) History(ctx context.Context, projectID string, limit int) ([]StoredPolicy, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
		SELECT name, version, document, created_at
		FROM policies
		WHERE project_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy history: %w", err)
	}
	defer rows.Close()

	var out []StoredPolicy
	for rows.Next() {
		p := StoredPolicy{ProjectID: projectID}
		if err := rows.Scan(&p.Name, &p.Version, &p.Document, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read policy history: %w", err)
	}
	return out, nil
}
