// Package history keeps the append-only log of answered questions. It is
// owned by the API layer; the pipeline never writes to it.
package history

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type Entry struct {
	ID           int64     `json:"id"`
	TraceID      string    `json:"trace_id,omitempty"`
	Question     string    `json:"question"`
	GeneratedSQL string    `json:"generated_sql,omitempty"`
	Answer       string    `json:"answer"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Log interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	// List returns the most recent entries first.
	List(ctx context.Context, limit int) ([]Entry, error)
}

// ClampLimit maps a requested page size into [1, MaxListLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

// Memory keeps the newest capacity entries in process.
type Memory struct {
	mu       sync.Mutex
	capacity int
	nextID   int64
	entries  []Entry
	now      func() time.Time
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = MaxListLimit
	}
	return &Memory{capacity: capacity, now: time.Now}
}

func (m *Memory) Append(_ context.Context, entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	entry.CreatedAt = m.now().UTC()
	m.entries = append(m.entries, entry)
	if len(m.entries) > m.capacity {
		m.entries = append([]Entry(nil), m.entries[len(m.entries)-m.capacity:]...)
	}
	return entry, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = min(ClampLimit(limit), len(m.entries))
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}
