package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, createdBy, id string) (Record, error) {
	c.gets++
	return c.Store.Get(ctx, createdBy, id)
}

func newCachedStore(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	inner := &countingStore{Store: NewMemoryStore(feed.NewMemoryLog())}
	return NewCachedStore(inner, client, time.Minute), inner, mr
}

func TestCachedStoreServesRepeatReadsFromRedis(t *testing.T) {
	store, inner, mr := newCachedStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, record("alice", "a", StatusQueued))
	require.NoError(t, err)

	first, err := store.Get(ctx, "alice", "a")
	require.NoError(t, err)
	second, err := store.Get(ctx, "alice", "a")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.gets)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, mr.Exists(cacheKey("alice", "a")))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(cacheKey("alice", "a")))
}

func TestCachedStoreEvictsOnTransition(t *testing.T) {
	store, inner, mr := newCachedStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, record("alice", "a", StatusQueued))
	require.NoError(t, err)
	_, err = store.Get(ctx, "alice", "a")
	require.NoError(t, err)
	require.True(t, mr.Exists(cacheKey("alice", "a")))

	_, _, err = store.Transition(ctx, "alice", "a", Begin())
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKey("alice", "a")))

	rec, err := store.Get(ctx, "alice", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, 2, inner.gets)
}

func TestCachedStoreFallsThroughWhenRedisIsDown(t *testing.T) {
	store, inner, mr := newCachedStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, record("alice", "a", StatusQueued))
	require.NoError(t, err)
	mr.Close()

	rec, err := store.Get(ctx, "alice", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, 1, inner.gets)

	_, err = store.Get(ctx, "alice", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// interleavingStore runs during once, right after its next store read.
type interleavingStore struct {
	Store
	during func()
}

func (s *interleavingStore) Get(ctx context.Context, createdBy, id string) (Record, error) {
	rec, err := s.Store.Get(ctx, createdBy, id)
	if f := s.during; f != nil {
		s.during = nil
		f()
	}
	return rec, err
}

func TestCachedStoreSkipsFillWhenWriteInterleaves(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	inner := &interleavingStore{Store: NewMemoryStore(feed.NewMemoryLog())}
	store := NewCachedStore(inner, client, time.Minute)
	ctx := context.Background()

	_, err := store.Put(ctx, record("alice", "a", StatusQueued))
	require.NoError(t, err)

	inner.during = func() {
		_, _, err := store.Transition(ctx, "alice", "a", Begin())
		require.NoError(t, err)
		_, _, err = store.Transition(ctx, "alice", "a", Succeed())
		require.NoError(t, err)
	}
	stale, err := store.Get(ctx, "alice", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stale.Status)
	assert.False(t, mr.Exists(cacheKey("alice", "a")))

	rec, err := store.Get(ctx, "alice", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.True(t, mr.Exists(cacheKey("alice", "a")))

	again, err := store.Get(ctx, "alice", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, again.Status)
}
