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

// Package logger emits one JSON object per line. Every entry carries the
// component and, where known, the project it concerns, so a multi-tenant
// log stream can be filtered per project.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is the wire shape of one log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Host      string                 `json:"host"`
	ProjectID string                 `json:"project_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes structured entries for one component. Safe for concurrent
// use.
type Logger struct {
	component string
	host      string

	mu  sync.Mutex
	out io.Writer
}

// New creates a logger for the given component, writing to stdout.
func New(component string) *Logger {
	return NewWithWriter(component, os.Stdout)
}

// NewWithWriter creates a logger writing to out. Used by tests to capture
// output.
func NewWithWriter(component string, out io.Writer) *Logger {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Logger{component: component, host: host, out: out}
}

func (l *Logger) write(level Level, projectID, requestID, message string, fields map[string]interface{}) {
	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.component,
		Host:      l.host,
		ProjectID: projectID,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// A field value that does not marshal must not lose the line.
		entry.Fields = map[string]interface{}{"marshal_error": err.Error()}
		data, _ = json.Marshal(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))
}

// Info logs an informational message.
func (l *Logger) Info(projectID, requestID, message string, fields map[string]interface{}) {
	l.write(LevelInfo, projectID, requestID, message, fields)
}

// Warn logs a warning.
func (l *Logger) Warn(projectID, requestID, message string, fields map[string]interface{}) {
	l.write(LevelWarn, projectID, requestID, message, fields)
}

// Error logs an error.
func (l *Logger) Error(projectID, requestID, message string, fields map[string]interface{}) {
	l.write(LevelError, projectID, requestID, message, fields)
}

// InfoWithDuration logs an informational message with a duration_ms field,
// the shape the decision path uses for per-action timing.
func (l *Logger) InfoWithDuration(projectID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["duration_ms"] = durationMS
	l.write(LevelInfo, projectID, requestID, message, merged)
}
