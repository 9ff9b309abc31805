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

package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentgate/platform/shared/logger"
)

// fakeWriter records inserted entries. When failing is set every insert
// errors; when gate is non-nil every insert waits for the gate to open.
type fakeWriter struct {
	mu      sync.Mutex
	entries []Entry
	failing bool
	gate    chan struct{}
}

func (w *fakeWriter) Insert(ctx context.Context, entry Entry) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing {
		return errors.New("database unavailable")
	}
	w.entries = append(w.entries, entry)
	return nil
}

func (w *fakeWriter) ids() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, len(w.entries))
	for i, e := range w.entries {
		ids[i] = e.ActionID
	}
	return ids
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestQueue_AppendPersists(t *testing.T) {
	writer := &fakeWriter{}
	q, err := NewQueue(writer, 16, 1, "", logger.New("audit-test"))
	if err != nil {
		t.Fatalf("failed to start queue: %v", err)
	}
	defer q.Shutdown(context.Background())

	for _, id := range []string{"act_1", "act_2", "act_3"} {
		if !q.Append(Entry{ActionID: id, ProjectID: "p1"}) {
			t.Fatalf("append of %s should succeed", id)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(writer.ids()) == 3 })
}

func TestQueue_FullQueueDropsOldest(t *testing.T) {
	gate := make(chan struct{})
	writer := &fakeWriter{gate: gate}
	q, err := NewQueue(writer, 1, 1, "", logger.New("audit-test"))
	if err != nil {
		t.Fatalf("failed to start queue: %v", err)
	}

	// The worker takes act_1 and blocks on the gate; act_2 fills the
	// one-slot queue; each further append evicts its predecessor.
	q.Append(Entry{ActionID: "act_1"})
	waitFor(t, time.Second, func() bool { return len(q.queue) == 0 })
	q.Append(Entry{ActionID: "act_2"})
	q.Append(Entry{ActionID: "act_3"})
	q.Append(Entry{ActionID: "act_4"})

	close(gate)
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	ids := writer.ids()
	if len(ids) != 2 || ids[0] != "act_1" || ids[1] != "act_4" {
		t.Errorf("expected [act_1 act_4] to survive, got %v", ids)
	}
}

func TestQueue_SpillAndRecover(t *testing.T) {
	fallback := filepath.Join(t.TempDir(), "audit-fallback.jsonl")

	failing := &fakeWriter{failing: true}
	q, err := NewQueue(failing, 4, 1, fallback, logger.New("audit-test"))
	if err != nil {
		t.Fatalf("failed to start queue: %v", err)
	}

	q.Append(Entry{ActionID: "act_lost", ProjectID: "p1", Allowed: false, Reason: "blocked"})

	// Retries exhaust, then the entry lands in the fallback file.
	waitFor(t, 5*time.Second, func() bool {
		info, err := os.Stat(fallback)
		return err == nil && info.Size() > 0
	})
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	// A fresh queue over a healthy writer replays the spilled entry.
	healthy := &fakeWriter{}
	q2, err := NewQueue(healthy, 4, 1, fallback, logger.New("audit-test"))
	if err != nil {
		t.Fatalf("failed to start second queue: %v", err)
	}
	defer q2.Shutdown(context.Background())

	recovered, err := q2.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}
	ids := healthy.ids()
	if len(ids) != 1 || ids[0] != "act_lost" {
		t.Errorf("expected [act_lost], got %v", ids)
	}

	// The file is truncated so a second recovery finds nothing.
	recovered, err = q2.Recover(context.Background())
	if err != nil || recovered != 0 {
		t.Errorf("second recovery: recovered=%d err=%v, want 0 nil", recovered, err)
	}
}

func TestQueue_ShutdownDrains(t *testing.T) {
	writer := &fakeWriter{}
	q, err := NewQueue(writer, 64, 1, "", logger.New("audit-test"))
	if err != nil {
		t.Fatalf("failed to start queue: %v", err)
	}

	for i := 0; i < 20; i++ {
		q.Append(Entry{ActionID: "act", ProjectID: "p1"})
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if got := len(writer.ids()); got != 20 {
		t.Errorf("persisted %d entries, want all 20", got)
	}
}

func TestQueue_RecoverWithoutFallbackFile(t *testing.T) {
	q, err := NewQueue(&fakeWriter{}, 4, 1, "", logger.New("audit-test"))
	if err != nil {
		t.Fatalf("failed to start queue: %v", err)
	}
	defer q.Shutdown(context.Background())

	recovered, err := q.Recover(context.Background())
	if err != nil || recovered != 0 {
		t.Errorf("recover without fallback: recovered=%d err=%v", recovered, err)
	}
}
