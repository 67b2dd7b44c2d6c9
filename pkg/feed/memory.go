package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log and CursorStore.
type MemoryLog struct {
	mu      sync.Mutex
	events  []Event
	seq     uint64
	cursors map[string]uint64

	// Now stamps appended events; defaults to time.Now.
	Now func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{cursors: make(map[string]uint64)}
}

func (m *MemoryLog) Append(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ev.Seq = m.seq
	ev.AppendedAt = m.now()
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *MemoryLog) ReadAfter(_ context.Context, after uint64, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := sort.Search(len(m.events), func(i int) bool { return m.events[i].Seq > after })
	end := len(m.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Event, end-start)
	copy(out, m.events[start:end])
	return out, nil
}

func (m *MemoryLog) Load(_ context.Context, group string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[group], nil
}

func (m *MemoryLog) Commit(_ context.Context, group string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.cursors[group]; seq < cur {
		return fmt.Errorf("%w: group %s at %d, got %d", ErrCursorRegression, group, cur, seq)
	}
	m.cursors[group] = seq
	return nil
}

// Prune drops events older than cutoff that every known group has consumed.
func (m *MemoryLog) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.cursors) == 0 {
		return 0, nil
	}
	low := lowWater(m.cursors)
	kept := m.events[:0]
	var pruned int64
	for _, ev := range m.events {
		if ev.Seq <= low && ev.AppendedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return pruned, nil
}

// Len reports the number of retained events.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *MemoryLog) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func lowWater(cursors map[string]uint64) uint64 {
	first := true
	var low uint64
	for _, seq := range cursors {
		if first || seq < low {
			low = seq
			first = false
		}
	}
	return low
}
