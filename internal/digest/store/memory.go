package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It enforces the same uniqueness rules as
// SQLStore and is meant for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	runs     []DigestRun
	shown    []ShownHeadline
	health   []SourceHealth
	failNext error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// FailNextWrite makes the next RecordRun return err without writing.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Seed appends headlines directly, bypassing run bookkeeping.
func (m *Memory) Seed(headlines ...ShownHeadline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shown = append(m.shown, headlines...)
}

func (m *Memory) HeadlinesWithin(ctx context.Context, w Window) ([]ShownHeadline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ShownHeadline
	for _, h := range m.shown {
		if w.Contains(h.ShownAt) {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ShownAt.After(out[j].ShownAt)
	})
	return out, nil
}

func (m *Memory) RecordRun(ctx context.Context, run DigestRun, shown []ShownHeadline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return &PersistenceError{Op: "record run", Err: err}
	}
	for _, r := range m.runs {
		if r.RunAt.Equal(run.RunAt) {
			return ErrRunExists
		}
	}

	seen := make(map[string]bool, len(shown))
	for _, h := range m.shown {
		seen[h.Headline+"\x00"+formatTime(h.ShownAt)] = true
	}
	for _, h := range shown {
		key := h.Headline + "\x00" + formatTime(h.ShownAt)
		if seen[key] {
			return ErrRunExists
		}
		seen[key] = true
	}

	m.runs = append(m.runs, run)
	m.shown = append(m.shown, shown...)
	return nil
}

func (m *Memory) LastRun(ctx context.Context) (*DigestRun, error) {
	runs, _ := m.Runs(ctx, 1)
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (m *Memory) Runs(ctx context.Context, limit int) ([]DigestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]DigestRun(nil), m.runs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RunAt.After(out[j].RunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LastFetched(ctx context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recorded := make(map[int64]bool, len(m.runs))
	for _, r := range m.runs {
		recorded[r.RunAt.Unix()] = true
	}
	out := make(map[string]time.Time)
	for _, h := range m.health {
		if h.Status != HealthOK || !recorded[h.RunAt.Unix()] {
			continue
		}
		if h.RunAt.After(out[h.SourceID]) {
			out[h.SourceID] = h.RunAt
		}
	}
	return out, nil
}

func (m *Memory) RecordSourceHealth(ctx context.Context, rows []SourceHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, rows...)
	return nil
}

// Health returns every recorded source health row.
func (m *Memory) Health() []SourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SourceHealth(nil), m.health...)
}

func (m *Memory) Close() error { return nil }
