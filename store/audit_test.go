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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"agentgate/platform/audit"
)

func TestAuditStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs("act_1", "proj-1", "agent", "pay_invoice", []byte(`{"amount":100}`),
			false, "over limit", "1.0", 1.5, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = NewAuditStore(db).Insert(context.Background(), audit.Entry{
		ActionID:        "act_1",
		ProjectID:       "proj-1",
		AgentName:       "agent",
		ActionType:      "pay_invoice",
		Params:          map[string]interface{}{"amount": 100},
		Allowed:         false,
		Reason:          "over limit",
		PolicyVersion:   "1.0",
		ExecutionTimeMS: 1.5,
		Timestamp:       ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func auditRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "action_id", "agent_name", "action_type", "params",
		"allowed", "reason", "policy_version", "execution_time_ms", "created_at",
	})
}

func TestAuditStore_List_Pagination(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// limit 2 fetches 3 rows; the extra row signals another page.
	rows := auditRows().
		AddRow(30, "act_30", "a", "pay_invoice", nil, true, "", "1.0", 0.5, ts).
		AddRow(29, "act_29", "a", "pay_invoice", nil, true, "", "1.0", 0.5, ts).
		AddRow(28, "act_28", "a", "pay_invoice", nil, false, "blocked", "1.0", 0.5, ts)
	mock.ExpectQuery(`FROM audit_logs`).
		WithArgs("proj-1", 3).
		WillReturnRows(rows)

	records, next, err := NewAuditStore(db).List(context.Background(), "proj-1", ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != 30 || records[1].ID != 29 {
		t.Errorf("expected descending ids, got %d, %d", records[0].ID, records[1].ID)
	}
	if next != 29 {
		t.Errorf("next cursor = %d, want 29", next)
	}

	// The next page passes the cursor; two rows left means no further page.
	rows = auditRows().
		AddRow(28, "act_28", "a", "pay_invoice", nil, false, "blocked", "1.0", 0.5, ts)
	mock.ExpectQuery(`FROM audit_logs`).
		WithArgs("proj-1", int64(29), 3).
		WillReturnRows(rows)

	records, next, err = NewAuditStore(db).List(context.Background(), "proj-1", ListFilter{Limit: 2, Cursor: 29})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || next != 0 {
		t.Errorf("last page: got %d records, next=%d", len(records), next)
	}
}

func TestAuditStore_List_Filters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	blocked := false

	mock.ExpectQuery(`agent_name = \$2 AND action_type = \$3 AND allowed = \$4`).
		WithArgs("proj-1", "agent_a", "pay_invoice", false, 21).
		WillReturnRows(auditRows().
			AddRow(5, "act_5", "agent_a", "pay_invoice", []byte(`{"amount":9}`), false, "blocked", "1.0", 0.5, ts))

	records, _, err := NewAuditStore(db).List(context.Background(), "proj-1", ListFilter{
		AgentName:  "agent_a",
		ActionType: "pay_invoice",
		Allowed:    &blocked,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].Params["amount"] != float64(9) {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestAuditStore_GetStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`COUNT\(\*\)`).
		WithArgs("proj-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "allowed", "blocked"}).AddRow(10, 7, 3))
	mock.ExpectQuery(`GROUP BY action_type`).
		WithArgs("proj-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"action_type", "count"}).
			AddRow("pay_invoice", 6).
			AddRow("send_email", 4))

	stats, err := NewAuditStore(db).GetStats(context.Background(), "proj-1", since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 10 || stats.Allowed != 7 || stats.Blocked != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ByAction["pay_invoice"] != 6 {
		t.Errorf("unexpected per-action stats: %+v", stats.ByAction)
	}
}
