package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAssets struct {
	err error
}

func (s stubAssets) Verify(context.Context, json.RawMessage) error {
	return s.err
}

func newTestService(assets AssetVerifier) (*Service, *feed.MemoryLog) {
	log := feed.NewMemoryLog()
	return NewService(NewMemoryStore(log), NewValidator(), assets), log
}

func TestServiceCreateQueuesItem(t *testing.T) {
	svc, log := newTestService(nil)
	ctx := context.Background()

	rec, err := svc.Create(ctx, "alice", json.RawMessage(`{"id":"scene-1","collection":"co2"}`))
	require.NoError(t, err)
	assert.Equal(t, "scene-1", rec.ID)
	assert.Equal(t, "alice", rec.CreatedBy)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, 1, log.Len())

	_, err = svc.Create(ctx, "alice", json.RawMessage(`{"id":"scene-1"}`))
	require.ErrorIs(t, err, ErrConflict)

	_, err = svc.Create(ctx, "bob", json.RawMessage(`{"id":"scene-1"}`))
	require.NoError(t, err)
}

func TestServiceCreateConcurrentSameID(t *testing.T) {
	svc, log := newTestService(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, "alice", json.RawMessage(`{"id":"scene-1"}`))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, log.Len())
}

func TestServiceCreateRejectsBadItems(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	for _, body := range []string{``, `[]`, `"x"`, `{"id":""}`, `{"collection":"c"}`, `{"id":`} {
		_, err := svc.Create(ctx, "alice", json.RawMessage(body))
		assert.True(t, IsValidationError(err), "body %q: %v", body, err)
	}

	svc, _ = newTestService(stubAssets{err: errors.New("s3://bucket/key: forbidden")})
	_, err := svc.Create(ctx, "alice", json.RawMessage(`{"id":"a"}`))
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "forbidden")
}

func TestServiceCancel(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice", json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)

	rec, err := svc.Cancel(ctx, "alice", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)

	_, err = svc.Cancel(ctx, "alice", "a")
	require.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = svc.Cancel(ctx, "alice", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceUpdate(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice", json.RawMessage(`{"id":"a","collection":"c1"}`))
	require.NoError(t, err)

	rec, err := svc.Update(ctx, "alice", "a", UpdateRequest{Item: json.RawMessage(`{"id":"a","collection":"c2"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a","collection":"c2"}`, string(rec.Item))
	assert.Equal(t, StatusQueued, rec.Status)

	_, err = svc.Update(ctx, "alice", "a", UpdateRequest{Item: json.RawMessage(`{"id":"b"}`)})
	assert.True(t, IsValidationError(err))

	processing := StatusProcessing
	rec, err = svc.Update(ctx, "alice", "a", UpdateRequest{Status: &processing})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)

	_, err = svc.Update(ctx, "alice", "a", UpdateRequest{Item: json.RawMessage(`{"id":"a"}`)})
	require.ErrorIs(t, err, ErrPreconditionFailed)

	failed := StatusFailed
	msg := "operator abort"
	rec, err = svc.Update(ctx, "alice", "a", UpdateRequest{Status: &failed, Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "operator abort", rec.Message)

	queued := StatusQueued
	_, err = svc.Update(ctx, "alice", "a", UpdateRequest{Status: &queued})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Update(ctx, "alice", "a", UpdateRequest{})
	assert.True(t, IsValidationError(err))
}

func TestServiceRemove(t *testing.T) {
	svc, log := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice", json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)
	require.NoError(t, svc.Remove(ctx, "alice", "a"))
	require.NoError(t, svc.Remove(ctx, "alice", "a"))

	_, err = svc.Get(ctx, "alice", "a")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, log.Len())
}
