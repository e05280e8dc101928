package decisionlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps entries in process memory. Safe for concurrent use.
type MemoryLog struct {
	entries []Entry
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

func (m *MemoryLog) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	e, err := prepare(e, m.now())
	if err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *MemoryLog) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if !f.Match(m.entries[i]) {
			continue
		}
		out = append(out, m.entries[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryLog) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Entries: len(m.entries), ByKind: make(map[Kind]int)}
	for _, e := range m.entries {
		st.ByKind[e.Kind]++
	}
	return st, nil
}

func (m *MemoryLog) Close() error { return nil }
