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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentgate/platform/shared/logger"
)

var (
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_dropped_total",
		Help: "Audit entries dropped because the queue was full",
	})
	persistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_persisted_total",
		Help: "Audit entries successfully persisted",
	})
	fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_fallback_total",
		Help: "Audit entries spilled to the fallback file",
	})
)

const writeRetries = 3

// Queue is the asynchronous Sink. Entries flow through a bounded channel to
// a worker that writes them via the Writer with retries; entries the writer
// cannot persist are spilled to a JSONL fallback file so they survive a
// database outage.
type Queue struct {
	queue  chan Entry
	writer Writer
	log    *logger.Logger

	fallbackPath string
	fallbackMu   sync.Mutex
	fallbackFile *os.File

	wg sync.WaitGroup
}

// NewQueue starts a queue with the given capacity and worker count. An empty
// fallbackPath disables spilling: unpersistable entries are then lost.
func NewQueue(writer Writer, size, workers int, fallbackPath string, log *logger.Logger) (*Queue, error) {
	q := &Queue{
		queue:        make(chan Entry, size),
		writer:       writer,
		log:          log,
		fallbackPath: fallbackPath,
	}

	if fallbackPath != "" {
		f, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit fallback file: %w", err)
		}
		q.fallbackFile = f
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q, nil
}

// Append implements Sink. When the queue is full the oldest queued entry is
// evicted to make room; only if the queue refills faster than we can evict
// is the new entry itself dropped.
func (q *Queue) Append(entry Entry) bool {
	select {
	case q.queue <- entry:
		return true
	default:
	}

	select {
	case old := <-q.queue:
		droppedTotal.Inc()
		q.log.Warn(old.ProjectID, "", "audit queue full, dropped oldest entry", map[string]interface{}{
			"dropped_action_id": old.ActionID,
		})
	default:
	}

	select {
	case q.queue <- entry:
		return true
	default:
		droppedTotal.Inc()
		q.log.Warn(entry.ProjectID, "", "audit queue full, dropped entry", map[string]interface{}{
			"action_id": entry.ActionID,
		})
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for entry := range q.queue {
		var err error
		for attempt := 0; attempt < writeRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = q.writer.Insert(ctx, entry)
			cancel()
			if err == nil {
				persistedTotal.Inc()
				break
			}
			time.Sleep(time.Duration(100*(attempt+1)) * time.Millisecond)
		}
		if err != nil {
			q.log.Error(entry.ProjectID, "", "audit write failed, spilling to fallback", map[string]interface{}{
				"action_id": entry.ActionID,
				"error":     err.Error(),
			})
			q.spill(entry)
		}
	}
}

func (q *Queue) spill(entry Entry) {
	if q.fallbackFile == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	q.fallbackMu.Lock()
	defer q.fallbackMu.Unlock()
	if _, err := fmt.Fprintf(q.fallbackFile, "%s\n", data); err != nil {
		q.log.Error(entry.ProjectID, "", "audit fallback write failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	_ = q.fallbackFile.Sync()
	fallbackTotal.Inc()
}

// Recover replays entries spilled to the fallback file through the writer
// and truncates the file on full success. Called once at startup, before
// traffic.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.fallbackPath == "" {
		return 0, nil
	}

	q.fallbackMu.Lock()
	defer q.fallbackMu.Unlock()

	f, err := os.Open(q.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open audit fallback file: %w", err)
	}
	defer f.Close()

	recovered := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			q.log.Warn("", "", "skipping unreadable fallback line", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if err := q.writer.Insert(ctx, entry); err != nil {
			return recovered, fmt.Errorf("audit recovery stopped: %w", err)
		}
		recovered++
	}
	if err := scanner.Err(); err != nil {
		return recovered, fmt.Errorf("failed to read audit fallback file: %w", err)
	}

	if err := os.Truncate(q.fallbackPath, 0); err != nil {
		return recovered, fmt.Errorf("failed to truncate audit fallback file: %w", err)
	}
	return recovered, nil
}

// Shutdown stops accepting entries and waits for the worker to drain the
// queue, up to the context deadline.
func (q *Queue) Shutdown(ctx context.Context) error {
	close(q.queue)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("audit queue shutdown timed out: %w", ctx.Err())
	}

	q.fallbackMu.Lock()
	defer q.fallbackMu.Unlock()
	if q.fallbackFile != nil {
		return q.fallbackFile.Close()
	}
	return nil
}
