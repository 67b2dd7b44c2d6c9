package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// CachedStore serves Get from redis and falls through to the wrapped store on
// a miss. Every write through it bumps the record's generation key and evicts
// the entry; a fill runs under WATCH on the generation, so a write landing
// between the store read and the fill aborts the fill. Redis failures only
// cost a cache miss.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
}

func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, client: client, ttl: ttl}
}

func cacheKey(createdBy, id string) string {
	return fmt.Sprintf("ingestion:%s:%s", createdBy, id)
}

func generationKey(createdBy, id string) string {
	return cacheKey(createdBy, id) + ":gen"
}

func (c *CachedStore) Get(ctx context.Context, createdBy, id string) (Record, error) {
	key := cacheKey(createdBy, id)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec Record
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
			return rec, nil
		}
		logger.Log.WithField("key", key).Warn("Dropping undecodable cached ingestion")
		c.evict(ctx, createdBy, id)
	case !errors.Is(err, redis.Nil):
		logger.Log.WithError(err).WithField("key", key).Warn("Ingestion cache read failed")
	}

	var rec Record
	var storeErr error
	read := false
	watchErr := c.client.Watch(ctx, func(tx *redis.Tx) error {
		read = true
		rec, storeErr = c.Store.Get(ctx, createdBy, id)
		if storeErr != nil {
			return nil
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, c.ttl)
			return nil
		})
		return err
	}, generationKey(createdBy, id))
	if !read {
		rec, storeErr = c.Store.Get(ctx, createdBy, id)
	}
	if storeErr != nil {
		return Record{}, storeErr
	}

	switch {
	case errors.Is(watchErr, redis.TxFailedErr):
		logger.Log.WithField("key", key).Debug("Ingestion changed during read, not caching")
	case watchErr != nil:
		logger.Log.WithError(watchErr).WithField("key", key).Warn("Ingestion cache write failed")
	}
	return rec, nil
}

func (c *CachedStore) Put(ctx context.Context, rec Record) (Record, error) {
	out, err := c.Store.Put(ctx, rec)
	c.evict(ctx, rec.CreatedBy, rec.ID)
	return out, err
}

func (c *CachedStore) Create(ctx context.Context, rec Record) (Record, error) {
	out, err := c.Store.Create(ctx, rec)
	c.evict(ctx, rec.CreatedBy, rec.ID)
	return out, err
}

func (c *CachedStore) Delete(ctx context.Context, createdBy, id string) error {
	err := c.Store.Delete(ctx, createdBy, id)
	c.evict(ctx, createdBy, id)
	return err
}

func (c *CachedStore) Transition(ctx context.Context, createdBy, id string, t Transition) (Record, Effect, error) {
	out, effect, err := c.Store.Transition(ctx, createdBy, id, t)
	c.evict(ctx, createdBy, id)
	return out, effect, err
}

func (c *CachedStore) evict(ctx context.Context, createdBy, id string) {
	gen := generationKey(createdBy, id)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, gen)
		pipe.Expire(ctx, gen, c.ttl+time.Minute)
		pipe.Del(ctx, cacheKey(createdBy, id))
		return nil
	})
	if err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"created_by": createdBy,
			"id":         id,
		}).Warn("Ingestion cache eviction failed")
	}
}
