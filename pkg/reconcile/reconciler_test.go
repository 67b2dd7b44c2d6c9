package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed/spool"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock *clock
	log   *feed.MemoryLog
	store *ingestion.MemoryStore
	rec   *Reconciler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	log := feed.NewMemoryLog()
	log.Now = c.Now
	store := ingestion.NewMemoryStore(log).WithClock(c.Now)
	return &fixture{
		clock: c,
		log:   log,
		store: store,
		rec:   New(store, log, opts).WithClock(c.Now),
	}
}

func (f *fixture) queue(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.Put(context.Background(), ingestion.Record{
		CreatedBy: "alice",
		ID:        id,
		Item:      []byte(`{"id":"` + id + `"}`),
		Status:    ingestion.StatusQueued,
	})
	require.NoError(t, err)
}

func (f *fixture) begin(t *testing.T, id string) {
	t.Helper()
	_, _, err := f.store.Transition(context.Background(), "alice", id, ingestion.Begin())
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, id string) ingestion.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), "alice", id)
	require.NoError(t, err)
	return rec
}

func TestFailStale(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: 15 * time.Minute})
	f.queue(t, "A")
	f.queue(t, "B")
	f.queue(t, "C")
	f.begin(t, "A")
	f.clock.Advance(10 * time.Minute)
	f.begin(t, "B")
	f.clock.Advance(10 * time.Minute)

	n, err := f.rec.FailStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := f.get(t, "A")
	assert.Equal(t, ingestion.StatusFailed, a.Status)
	assert.Contains(t, a.Message, "abandoned")
	assert.Equal(t, ingestion.StatusProcessing, f.get(t, "B").Status)
	assert.Equal(t, ingestion.StatusQueued, f.get(t, "C").Status)
}

func TestFailStalePagesThroughShrinkingSet(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: time.Minute, PageSize: 1})
	for _, id := range []string{"A", "B", "C"} {
		f.queue(t, id)
		f.clock.Advance(time.Second)
		f.begin(t, id)
	}
	f.clock.Advance(time.Hour)

	n, err := f.rec.FailStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, ingestion.StatusFailed, f.get(t, id).Status)
	}
}

func TestRedriveQueued(t *testing.T) {
	f := newFixture(t, Options{RedriveAfter: time.Hour})
	f.queue(t, "A")
	f.clock.Advance(50 * time.Minute)
	f.queue(t, "B")
	f.clock.Advance(20 * time.Minute)
	before := f.log.Len()

	n, err := f.rec.RedriveQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, f.log.Len())

	events, err := f.log.ReadAfter(context.Background(), 0, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "A", last.ID)
	assert.Equal(t, feed.KindModify, last.Kind)
	assert.Equal(t, string(ingestion.StatusQueued), last.Status)

	a := f.get(t, "A")
	assert.Equal(t, ingestion.StatusQueued, a.Status)
	assert.True(t, a.UpdatedAt.Equal(f.clock.Now()))
}

func TestReplayRequeuesOnlyQueuedRecords(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, "A")
	f.queue(t, "B")
	f.queue(t, "C")
	f.begin(t, "B")
	_, _, err := f.store.Transition(context.Background(), "alice", "B", ingestion.Succeed())
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(context.Background(), "alice", "C"))

	events, err := f.log.ReadAfter(context.Background(), 0, 3)
	require.NoError(t, err)
	batch := feed.DeadLetterBatch{
		Group:  "processor",
		Events: append(events, feed.Event{Seq: 99, CreatedBy: "alice", ID: "gone", Kind: feed.KindInsert}),
	}
	before := f.log.Len()

	n, err := f.rec.Replay(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, f.log.Len())
	assert.Equal(t, ingestion.StatusSucceeded, f.get(t, "B").Status)
}

func TestReplayDeadLettersFromSpool(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, "A")
	events, err := f.log.ReadAfter(context.Background(), 0, 0)
	require.NoError(t, err)

	sp, err := spool.Open("")
	require.NoError(t, err)
	defer sp.Close()
	require.NoError(t, sp.Send(context.Background(), feed.DeadLetterBatch{Group: "processor", Events: events}))

	batches, records, err := f.rec.ReplayDeadLetters(context.Background(), sp)
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, records)

	left, err := sp.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPrune(t *testing.T) {
	f := newFixture(t, Options{Retention: time.Hour})
	f.queue(t, "A")
	f.queue(t, "B")
	require.NoError(t, f.log.Commit(context.Background(), "processor", 1))
	f.clock.Advance(2 * time.Hour)

	n, err := f.rec.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, f.log.Len())

	none, err := New(f.store, nil, Options{}).Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: time.Minute, RedriveAfter: time.Minute, Retention: time.Minute})
	f.queue(t, "A")
	f.queue(t, "B")
	f.begin(t, "B")
	require.NoError(t, f.log.Commit(context.Background(), "processor", 3))
	f.clock.Advance(time.Hour)

	sum, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1, Redriven: 1, Pruned: 3}, sum)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := NewScheduler(f.rec, "every now and then", time.Minute)
	assert.Error(t, err)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := NewScheduler(f.rec, "@every 1h", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
