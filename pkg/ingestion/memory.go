package ingestion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
)

type recordKey struct {
	createdBy string
	id        string
}

// MemoryStore keeps records in process. Mutations and their change events
// happen under one lock so the feed order matches the write order.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
	feed    feed.Appender
	now     func() time.Time
}

func NewMemoryStore(appender feed.Appender) *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]Record),
		feed:    appender,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for created_at and updated_at.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{rec.CreatedBy, rec.ID}
	var existing *Record
	if cur, ok := m.records[key]; ok {
		existing = &cur
	}
	out, kind, err := preparePut(existing, rec, m.now())
	if err != nil {
		return Record{}, err
	}
	if err := m.append(ctx, out, kind); err != nil {
		return Record{}, err
	}
	m.records[key] = out
	return out, nil
}

func (m *MemoryStore) Create(ctx context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{rec.CreatedBy, rec.ID}
	if _, ok := m.records[key]; ok {
		return Record{}, existsError(rec)
	}
	out, kind, err := preparePut(nil, rec, m.now())
	if err != nil {
		return Record{}, err
	}
	if err := m.append(ctx, out, kind); err != nil {
		return Record{}, err
	}
	m.records[key] = out
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, createdBy, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey{createdBy, id}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) List(_ context.Context, q ListQuery) (Page, error) {
	after, limit, err := q.resolve()
	if err != nil {
		return Page{}, err
	}

	m.mu.Lock()
	rows := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if q.Status != nil && rec.Status != *q.Status {
			continue
		}
		if after != nil && !after.after(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return listOrder(rows[i], rows[j]) })
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return page(q.Status, rows, limit), nil
}

func (m *MemoryStore) Delete(ctx context.Context, createdBy, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{createdBy, id}
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	if err := m.append(ctx, rec, feed.KindRemove); err != nil {
		return err
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, createdBy, id string, t Transition) (Record, Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{createdBy, id}
	rec, ok := m.records[key]
	if !ok {
		return Record{}, EffectNoOp, ErrNotFound
	}
	out, effect, err := applyTransition(rec, t, m.now())
	if err != nil {
		return rec, effect, err
	}
	if effect == EffectNoOp {
		logNoOp(rec, t)
		return rec, effect, nil
	}
	if err := m.append(ctx, out, feed.KindModify); err != nil {
		return rec, EffectNoOp, err
	}
	m.records[key] = out
	return out, effect, nil
}

func (m *MemoryStore) append(ctx context.Context, rec Record, kind feed.Kind) error {
	if m.feed == nil {
		return nil
	}
	ev, err := changeEvent(rec, kind)
	if err != nil {
		return err
	}
	_, err = m.feed.Append(ctx, ev)
	return err
}

func logNoOp(rec Record, t Transition) {
	logger.Log.WithFields(map[string]interface{}{
		"created_by": rec.CreatedBy,
		"id":         rec.ID,
		"status":     rec.Status,
		"action":     t.Action,
	}).Info("Ignoring transition on settled ingestion")
}
