package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingHandler struct {
	mu      sync.Mutex
	batches [][]Event
	fail    int
	err     error
}

func (h *recordingHandler) Handle(_ context.Context, batch []Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, batch)
	if h.fail > 0 {
		h.fail--
		return h.err
	}
	return nil
}

type memoryDeadLetter struct {
	batches []DeadLetterBatch
	err     error
}

func (m *memoryDeadLetter) Send(_ context.Context, batch DeadLetterBatch) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, batch)
	return nil
}

func appendN(t *testing.T, log *MemoryLog, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(context.Background(), Event{CreatedBy: "alice", ID: string(rune('a' + i)), Kind: KindInsert, Status: "queued"})
		require.NoError(t, err)
	}
}

func newTestRunner(log *MemoryLog, clock *testClock, h Handler, dl DeadLetter, opts Options) *Runner {
	if opts.Group == "" {
		opts.Group = "processor"
	}
	return NewRunner(log, log, h, dl, opts).WithClock(clock.Now)
}

func TestRunnerWaitsForWindow(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	h := &recordingHandler{}
	runner := newTestRunner(log, clock, h, &memoryDeadLetter{}, Options{BatchSize: 1000, Window: 10 * time.Second})
	ctx := context.Background()

	appendN(t, log, 4)

	clock.Advance(5 * time.Second)
	res, err := runner.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Empty(t, h.batches)

	clock.Advance(5 * time.Second)
	res, err = runner.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	require.Len(t, h.batches, 1)
	assert.Len(t, h.batches[0], 4)

	cursor, err := log.Load(ctx, "processor")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cursor)
}

func TestRunnerDeliversFullBatchImmediately(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	h := &recordingHandler{}
	runner := newTestRunner(log, clock, h, &memoryDeadLetter{}, Options{BatchSize: 3, Window: time.Hour})
	ctx := context.Background()

	appendN(t, log, 5)

	res, err := runner.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, uint64(1), res.FirstSeq)
	assert.Equal(t, uint64(3), res.LastSeq)

	// Two left, window still open.
	res, err = runner.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Len(t, h.batches, 1)
}

func TestRunnerRetriesThenSucceeds(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	h := &recordingHandler{fail: 1, err: errors.New("database unavailable")}
	dl := &memoryDeadLetter{}
	runner := newTestRunner(log, clock, h, dl, Options{BatchSize: 2, Window: time.Second, RetryAttempts: 1})

	appendN(t, log, 2)
	res, err := runner.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.False(t, res.DeadLettered)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, dl.batches)
}

func TestRunnerDeadLettersAfterRetries(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	h := &recordingHandler{fail: 10, err: errors.New("database unavailable")}
	dl := &memoryDeadLetter{}
	runner := newTestRunner(log, clock, h, dl, Options{BatchSize: 2, Window: time.Second, RetryAttempts: 1})
	ctx := context.Background()

	appendN(t, log, 2)
	res, err := runner.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, h.batches, 2)

	require.Len(t, dl.batches, 1)
	assert.Equal(t, "processor", dl.batches[0].Group)
	assert.Len(t, dl.batches[0].Events, 2)
	assert.Contains(t, dl.batches[0].Reason, "database unavailable")
	assert.Equal(t, uint64(1), dl.batches[0].FirstSeq())
	assert.Equal(t, uint64(2), dl.batches[0].LastSeq())

	cursor, err := log.Load(ctx, "processor")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)
}

func TestRunnerHoldsCursorWhenDeadLetterFails(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	h := &recordingHandler{fail: 10, err: errors.New("database unavailable")}
	dl := &memoryDeadLetter{err: errors.New("broker down")}
	runner := newTestRunner(log, clock, h, dl, Options{BatchSize: 2, Window: time.Second, RetryAttempts: 1})
	ctx := context.Background()

	appendN(t, log, 2)
	res, err := runner.Poll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.False(t, res.Delivered)

	cursor, err := log.Load(ctx, "processor")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	// Without a dead letter store the batch is held as well.
	runner = newTestRunner(log, clock, h, nil, Options{BatchSize: 2, Window: time.Second})
	_, err = runner.Poll(ctx)
	require.Error(t, err)
	cursor, err = log.Load(ctx, "processor")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)
}

func TestRunnerEnforcesInvocationTimeout(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	slow := HandlerFunc(func(ctx context.Context, _ []Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	dl := &memoryDeadLetter{}
	runner := newTestRunner(log, clock, slow, dl, Options{
		BatchSize:         1,
		Window:            time.Second,
		RetryAttempts:     0,
		InvocationTimeout: 20 * time.Millisecond,
	})

	appendN(t, log, 1)
	res, err := runner.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)
	require.Len(t, dl.batches, 1)
	assert.Contains(t, dl.batches[0].Reason, context.DeadlineExceeded.Error())
}

func TestRunnerRecoversHandlerPanic(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	boom := HandlerFunc(func(context.Context, []Event) error { panic("boom") })
	dl := &memoryDeadLetter{}
	runner := newTestRunner(log, clock, boom, dl, Options{BatchSize: 1, Window: time.Second})

	appendN(t, log, 1)
	res, err := runner.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)
	assert.Contains(t, dl.batches[0].Reason, "boom")
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	clock := newTestClock()
	log := NewMemoryLog()
	log.Now = clock.Now
	h := &recordingHandler{}
	runner := newTestRunner(log, clock, h, &memoryDeadLetter{}, Options{BatchSize: 2, Window: time.Second, PollInterval: 5 * time.Millisecond})

	appendN(t, log, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		cursor, _ := log.Load(context.Background(), "processor")
		return cursor == 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
