package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/catalog"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu     sync.Mutex
	loads  map[string]int
	reject map[string]error
	block  bool
	// afterLoad runs once a load has returned without blocking.
	afterLoad func()
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{loads: map[string]int{}, reject: map[string]error{}}
}

func (f *fakeLoader) Load(ctx context.Context, item json.RawMessage) error {
	var h struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(item, &h)
	f.mu.Lock()
	f.loads[h.ID]++
	err := f.reject[h.ID]
	block := f.block
	after := f.afterLoad
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if after != nil {
		after()
	}
	return err
}

func (f *fakeLoader) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

type recordingNotifier struct {
	mu      sync.Mutex
	settled map[string]ingestion.Status
}

func (n *recordingNotifier) Notify(_ context.Context, rec ingestion.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settled[rec.ID] = rec.Status
	return nil
}

type harness struct {
	store  *ingestion.MemoryStore
	log    *feed.MemoryLog
	loader *fakeLoader
	proc   *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := feed.NewMemoryLog()
	store := ingestion.NewMemoryStore(log)
	loader := newFakeLoader()
	proc, err := New(store, loader, 4)
	require.NoError(t, err)
	t.Cleanup(proc.Close)
	return &harness{store: store, log: log, loader: loader, proc: proc}
}

func (h *harness) queue(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.store.Put(context.Background(), ingestion.Record{
			CreatedBy: "alice",
			ID:        id,
			Item:      []byte(`{"id":"` + id + `","collection":"co2"}`),
			Status:    ingestion.StatusQueued,
		})
		require.NoError(t, err)
	}
}

func (h *harness) pending(t *testing.T) []feed.Event {
	t.Helper()
	events, err := h.log.ReadAfter(context.Background(), 0, 0)
	require.NoError(t, err)
	return events
}

func (h *harness) status(t *testing.T, id string) ingestion.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), "alice", id)
	require.NoError(t, err)
	return rec
}

func TestPartialBatchFailure(t *testing.T) {
	h := newHarness(t)
	notifier := &recordingNotifier{settled: map[string]ingestion.Status{}}
	h.proc.WithNotifier(notifier)
	h.queue(t, "A", "B", "C")
	h.loader.reject["B"] = &catalog.LoadError{Kind: catalog.KindConstraint, Err: errors.New("collection co2 does not exist")}

	report, err := h.proc.Process(context.Background(), h.pending(t))
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 2, Failed: 1}, report)

	assert.Equal(t, ingestion.StatusSucceeded, h.status(t, "A").Status)
	assert.Equal(t, ingestion.StatusSucceeded, h.status(t, "C").Status)
	b := h.status(t, "B")
	assert.Equal(t, ingestion.StatusFailed, b.Status)
	assert.Equal(t, "collection co2 does not exist", b.Message)

	assert.Equal(t, map[string]ingestion.Status{
		"A": ingestion.StatusSucceeded,
		"B": ingestion.StatusFailed,
		"C": ingestion.StatusSucceeded,
	}, notifier.settled)
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A", "B")
	batch := h.pending(t)

	_, err := h.proc.Process(context.Background(), batch)
	require.NoError(t, err)

	report, err := h.proc.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 2}, report)
	assert.Equal(t, 1, h.loader.count("A"))
	assert.Equal(t, 1, h.loader.count("B"))

	// The processor's own transitions reach the feed as non-queued images.
	all := h.pending(t)
	report, err = h.proc.Process(context.Background(), all[len(batch):])
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
}

func TestCollapsesToNewestEventPerKey(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A")
	_, err := h.store.Put(context.Background(), ingestion.Record{
		CreatedBy: "alice",
		ID:        "A",
		Item:      []byte(`{"id":"A","collection":"co2","v":2}`),
		Status:    ingestion.StatusQueued,
	})
	require.NoError(t, err)

	batch := h.pending(t)
	require.Len(t, batch, 2)
	assert.Len(t, collapse(batch), 1)
	assert.Equal(t, batch[1].Seq, collapse(batch)[0].Seq)

	report, err := h.proc.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)
	assert.Equal(t, 1, h.loader.count("A"))
}

func TestSkipsCancelledAndRemoved(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A", "B")
	_, _, err := h.store.Transition(context.Background(), "alice", "A", ingestion.Cancel())
	require.NoError(t, err)
	require.NoError(t, h.store.Delete(context.Background(), "alice", "B"))

	report, err := h.proc.Process(context.Background(), h.pending(t))
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 2}, report)
	assert.Zero(t, h.loader.count("A"))
	assert.Zero(t, h.loader.count("B"))

	// A stale queued event for a record cancelled after it was emitted.
	h.queue(t, "C")
	events := h.pending(t)
	stale := events[len(events)-1]
	_, _, err = h.store.Transition(context.Background(), "alice", "C", ingestion.Cancel())
	require.NoError(t, err)
	report, err = h.proc.Process(context.Background(), []feed.Event{stale})
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 1}, report)
}

type failingStore struct {
	ingestion.Store
}

func (failingStore) Get(context.Context, string, string) (ingestion.Record, error) {
	return ingestion.Record{}, errors.New("connection refused")
}

func TestStoreFailureFailsTheBatch(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A")
	proc, err := New(failingStore{Store: h.store}, h.loader, 2)
	require.NoError(t, err)
	defer proc.Close()

	_, err = proc.Process(context.Background(), h.pending(t))
	require.Error(t, err)
	assert.True(t, feed.IsDeliveryError(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, ingestion.StatusQueued, h.status(t, "A").Status)
}

func TestTimeoutLeavesRecordProcessing(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A")
	h.loader.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.proc.Process(ctx, h.pending(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ingestion.StatusProcessing, h.status(t, "A").Status)
}

func TestCancelAfterLoadStillSettles(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A", "B")
	h.loader.reject["B"] = errors.New("bad geometry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.loader.afterLoad = cancel

	report, err := h.proc.Process(ctx, h.pending(t))
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1, Failed: 1}, report)
	assert.Equal(t, ingestion.StatusSucceeded, h.status(t, "A").Status)
	assert.Equal(t, ingestion.StatusFailed, h.status(t, "B").Status)
}

func TestConcurrentProcessOfSameBatchLoadsOnce(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A", "B", "C", "D")
	batch := h.pending(t)

	other, err := New(h.store, h.loader, 4)
	require.NoError(t, err)
	defer other.Close()

	var wg sync.WaitGroup
	reports := make([]Report, 2)
	for i, proc := range []*Processor{h.proc, other} {
		wg.Add(1)
		go func(i int, proc *Processor) {
			defer wg.Done()
			r, err := proc.Process(context.Background(), batch)
			assert.NoError(t, err)
			reports[i] = r
		}(i, proc)
	}
	wg.Wait()

	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, 1, h.loader.count(id), id)
		assert.Equal(t, ingestion.StatusSucceeded, h.status(t, id).Status)
	}
	assert.Equal(t, 4, reports[0].Succeeded+reports[1].Succeeded)
	assert.Equal(t, 4, reports[0].Skipped+reports[1].Skipped)
}

func TestRunnerDrivesProcessorEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "A", "B", "C", "D")
	now := time.Now().Add(time.Minute)
	runner := feed.NewRunner(h.log, h.log, h.proc, nil, feed.Options{
		Group:     "processor",
		BatchSize: 1000,
		Window:    10 * time.Second,
	}).WithClock(func() time.Time { return now })

	res, err := runner.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, 4, res.Events)
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, ingestion.StatusSucceeded, h.status(t, id).Status)
	}
}
