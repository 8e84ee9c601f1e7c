// Package deadletter implements the bounded, optionally-persisted queue of
// permanently failed work items described in spec §4.E. Persistence uses a
// textual (JSON) record form and atomic temp-then-rename writes, the same
// convention the teacher repository and internal/checkpoint use for durable
// snapshots.
package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/massingest/engine/internal/models"
)

// Entry is one payload that failed processing after all recovery attempts.
// Payload is stored as an opaque JSON-compatible value; the operation that
// produced it is callers' responsibility to reconstruct (spec §4.G stores
// {operation, f}; since closures cannot be serialized, the engine records
// the operation name and a JSON-able snapshot of its input).
type Entry struct {
	Payload  any               `json:"payload"`
	Error    models.ErrorContext `json:"error"`
	QueuedAt time.Time         `json:"queued_at"`
}

// Queue is a bounded deque of Entry, dropping the oldest item on overflow.
type Queue struct {
	mu          sync.Mutex
	maxSize     int
	items       []Entry
	persistPath string
}

// New constructs a Queue with the given bound. If persistPath is non-empty,
// existing persisted entries are loaded (tolerating missing optional
// fields), and every mutation is flushed back to disk.
func New(maxSize int, persistPath string) (*Queue, error) {
	if maxSize <= 0 {
		maxSize = 1000
	}
	q := &Queue{maxSize: maxSize, persistPath: persistPath}

	if persistPath != "" {
		if err := q.load(); err != nil {
			return nil, fmt.Errorf("deadletter: load %s: %w", persistPath, err)
		}
	}

	return q, nil
}

// Add enqueues a failed payload with its error context. When the queue is
// at capacity, the oldest entry is dropped.
func (q *Queue) Add(payload any, errCtx models.ErrorContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := Entry{Payload: payload, Error: errCtx, QueuedAt: time.Now().UTC()}
	q.items = append(q.items, entry)
	if len(q.items) > q.maxSize {
		q.items = q.items[len(q.items)-q.maxSize:]
	}

	return q.persistLocked()
}

// All returns a snapshot copy of every queued entry, oldest first.
func (q *Queue) All() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RetryAll drains the queue and invokes processor on each item. Items whose
// processor call fails are re-enqueued with an incremented retry count;
// items that succeed are dropped. Returns (successful, failed) counts.
func (q *Queue) RetryAll(processor func(payload any) error) (int, int) {
	q.mu.Lock()
	items := make([]Entry, len(q.items))
	copy(items, q.items)
	q.items = q.items[:0]
	_ = q.persistLocked()
	q.mu.Unlock()

	var successful, failed int
	for _, entry := range items {
		if err := processor(entry.Payload); err != nil {
			failed++
			entry.Error.RetryCount++
			entry.Error.ErrorMessage = err.Error()
			_ = q.Add(entry.Payload, entry.Error)
			continue
		}
		successful++
	}

	return successful, failed
}

func (q *Queue) persistLocked() error {
	if q.persistPath == "" {
		return nil
	}

	dir := filepath.Dir(q.persistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".deadletter-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, q.persistPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if len(data) == 0 {
		return nil
	}

	var items []Entry
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	if len(items) > q.maxSize {
		items = items[len(items)-q.maxSize:]
	}

	q.items = items
	return nil
}
