// Package spool is a local dead-letter store for deployments without a
// kafka dead-letter topic.
package spool

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const (
	batchPrefix       = "dlq:"
	batchSeqKey       = "dlqseq"
	sequenceBandwidth = 100
)

// Badger stores dead-lettered batches in arrival order.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens the spool at path, or an in-memory spool when path is empty.
func Open(path string) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = logger.WithField("component", "deadletter-spool")
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	seq, err := db.GetSequence([]byte(batchSeqKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open spool sequence: %w", err)
	}
	return &Badger{db: db, seq: seq}, nil
}

func batchKey(n uint64) []byte {
	buf := make([]byte, len(batchPrefix)+8)
	offset := copy(buf, batchPrefix)
	// BigEndian keeps iteration in arrival order.
	binary.BigEndian.PutUint64(buf[offset:], n)
	return buf
}

func (b *Badger) Send(_ context.Context, batch feed.DeadLetterBatch) error {
	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	n, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("next spool key: %w", err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(n), value)
	}); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"group":     batch.Group,
		"first_seq": batch.FirstSeq(),
		"last_seq":  batch.LastSeq(),
	}).Warn("Batch spooled")
	return nil
}

type entry struct {
	key   []byte
	batch feed.DeadLetterBatch
}

func (b *Badger) snapshot() ([]entry, error) {
	var out []entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(batchPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var batch feed.DeadLetterBatch
			if err := json.Unmarshal(value, &batch); err != nil {
				return fmt.Errorf("decode spooled batch: %w", err)
			}
			out = append(out, entry{key: item.KeyCopy(nil), batch: batch})
		}
		return nil
	})
	return out, err
}

// List returns the spooled batches oldest first.
func (b *Badger) List() ([]feed.DeadLetterBatch, error) {
	entries, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]feed.DeadLetterBatch, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.batch)
	}
	return out, nil
}

// Drain hands each spooled batch to fn, oldest first, and removes it once fn
// succeeds. It stops at the first failure, leaving that batch spooled.
func (b *Badger) Drain(ctx context.Context, fn func(context.Context, feed.DeadLetterBatch) error) (int, error) {
	entries, err := b.snapshot()
	if err != nil {
		return 0, err
	}
	drained := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		if err := fn(ctx, e.batch); err != nil {
			return drained, err
		}
		if err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(e.key)
		}); err != nil {
			return drained, fmt.Errorf("remove drained batch: %w", err)
		}
		drained++
	}
	return drained, nil
}

func (b *Badger) Close() error {
	if err := b.seq.Release(); err != nil {
		logger.Log.WithError(err).Warn("Failed to release spool sequence")
	}
	return b.db.Close()
}
