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

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func capture() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewWithWriter("test-component", &buf), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var entry Entry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (line %q)", err, line)
	}
	return entry
}

func TestInfo_EntryShape(t *testing.T) {
	log, buf := capture()

	log.Info("proj-1", "req-9", "policy updated", map[string]interface{}{
		"policy_version": "2.0",
	})

	entry := decodeLine(t, buf)
	if entry.Level != LevelInfo {
		t.Errorf("level = %q, want INFO", entry.Level)
	}
	if entry.Component != "test-component" {
		t.Errorf("component = %q", entry.Component)
	}
	if entry.ProjectID != "proj-1" || entry.RequestID != "req-9" {
		t.Errorf("ids = %q/%q", entry.ProjectID, entry.RequestID)
	}
	if entry.Message != "policy updated" {
		t.Errorf("message = %q", entry.Message)
	}
	if entry.Fields["policy_version"] != "2.0" {
		t.Errorf("fields = %v", entry.Fields)
	}
	if entry.Timestamp == "" || entry.Host == "" {
		t.Errorf("timestamp/host missing: %+v", entry)
	}
}

func TestLevels(t *testing.T) {
	log, buf := capture()

	log.Warn("", "", "counter backend degraded", nil)
	log.Error("proj-1", "", "insert failed", map[string]interface{}{"error": "connection refused"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var warn, errEntry Entry
	if err := json.Unmarshal([]byte(lines[0]), &warn); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &errEntry); err != nil {
		t.Fatal(err)
	}
	if warn.Level != LevelWarn || errEntry.Level != LevelError {
		t.Errorf("levels = %q/%q", warn.Level, errEntry.Level)
	}
	if warn.ProjectID != "" {
		t.Errorf("empty project id serialized as %q", warn.ProjectID)
	}
}

func TestInfoWithDuration(t *testing.T) {
	log, buf := capture()

	fields := map[string]interface{}{"action_type": "send_payment"}
	log.InfoWithDuration("proj-1", "", "action validated", 1.25, fields)

	entry := decodeLine(t, buf)
	if entry.Fields["duration_ms"] != 1.25 {
		t.Errorf("duration_ms = %v", entry.Fields["duration_ms"])
	}
	if entry.Fields["action_type"] != "send_payment" {
		t.Errorf("fields = %v", entry.Fields)
	}
	// The caller's map must not be mutated.
	if _, ok := fields["duration_ms"]; ok {
		t.Error("caller fields map was modified")
	}
}

func TestInfoWithDuration_NilFields(t *testing.T) {
	log, buf := capture()

	log.InfoWithDuration("proj-1", "", "action validated", 0.5, nil)

	entry := decodeLine(t, buf)
	if entry.Fields["duration_ms"] != 0.5 {
		t.Errorf("duration_ms = %v", entry.Fields["duration_ms"])
	}
}

func TestUnmarshalableFieldKeepsLine(t *testing.T) {
	log, buf := capture()

	log.Info("proj-1", "", "weird payload", map[string]interface{}{
		"ch": make(chan int),
	})

	entry := decodeLine(t, buf)
	if entry.Message != "weird payload" {
		t.Errorf("message = %q", entry.Message)
	}
	if entry.Fields["marshal_error"] == nil {
		t.Errorf("expected marshal_error field, got %v", entry.Fields)
	}
}
