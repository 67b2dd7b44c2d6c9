package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/models"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
)

// maxDeadLetterBytes bounds the encoded events of one dead-letter message,
// leaving room for the envelope under the writer's 1 MiB BatchBytes.
const maxDeadLetterBytes = 512 << 10

// DeadLetter publishes abandoned feed batches to the dead-letter topic. A
// batch is split into messages of at most maxDeadLetterBytes of events, each
// a DeadLetterBatch of its own keyed by group and seq range.
type DeadLetter struct {
	producer *Producer
	maxBytes int
}

func NewDeadLetter(producer *Producer) *DeadLetter {
	return &DeadLetter{producer: producer, maxBytes: maxDeadLetterBytes}
}

func (d *DeadLetter) Send(ctx context.Context, batch feed.DeadLetterBatch) error {
	chunks, err := d.split(batch)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		key := fmt.Sprintf("%s:%d-%d", chunk.Group, chunk.FirstSeq(), chunk.LastSeq())
		if err := d.producer.PublishEvent(ctx, models.EventFeedDeadLetter, chunk.Group, key, chunk); err != nil {
			return fmt.Errorf("publish dead letter %s: %w", key, err)
		}
	}
	return nil
}

// split packs events into chunks in seq order. An event too large on its own
// loses its image; replay re-reads the record from the store anyway.
func (d *DeadLetter) split(batch feed.DeadLetterBatch) ([]feed.DeadLetterBatch, error) {
	if len(batch.Events) == 0 {
		return []feed.DeadLetterBatch{batch}, nil
	}
	var chunks []feed.DeadLetterBatch
	var current []feed.Event
	size := 0
	flush := func() {
		chunk := batch
		chunk.Events = current
		chunks = append(chunks, chunk)
		current, size = nil, 0
	}
	for _, ev := range batch.Events {
		n, err := encodedSize(ev)
		if err != nil {
			return nil, err
		}
		if n > d.maxBytes {
			logger.Log.WithFields(map[string]interface{}{
				"group": batch.Group,
				"seq":   ev.Seq,
				"key":   ev.Key(),
				"bytes": n,
			}).Warn("Dead-lettered event too large, dropping its image")
			ev.Image = nil
			if n, err = encodedSize(ev); err != nil {
				return nil, err
			}
		}
		if len(current) > 0 && size+n > d.maxBytes {
			flush()
		}
		current = append(current, ev)
		size += n
	}
	flush()
	return chunks, nil
}

func encodedSize(ev feed.Event) (int, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode dead-lettered event %d: %w", ev.Seq, err)
	}
	return len(b) + 1, nil
}

// DeadLetterReader replays the dead-letter topic through a consumer group.
type DeadLetterReader struct {
	consumer *Consumer
	idle     time.Duration
}

func NewDeadLetterReader(consumer *Consumer, idle time.Duration) *DeadLetterReader {
	return &DeadLetterReader{consumer: consumer, idle: idle}
}

func (r *DeadLetterReader) Drain(ctx context.Context, fn func(context.Context, feed.DeadLetterBatch) error) (int, error) {
	return r.consumer.Drain(ctx, r.idle, func(ctx context.Context, event models.Event) error {
		if event.Type != models.EventFeedDeadLetter {
			return nil
		}
		var batch feed.DeadLetterBatch
		if err := json.Unmarshal(event.Data, &batch); err != nil {
			return fmt.Errorf("decode dead letter %s: %w", event.ID, err)
		}
		return fn(ctx, batch)
	})
}

// Notifier publishes ingestion outcomes.
type Notifier struct {
	producer *Producer
	source   string
}

func NewNotifier(producer *Producer, source string) *Notifier {
	return &Notifier{producer: producer, source: source}
}

func (n *Notifier) Notify(ctx context.Context, rec ingestion.Record) error {
	var item struct {
		Collection string `json:"collection"`
	}
	_ = json.Unmarshal(rec.Item, &item)

	eventType := models.EventIngestionSucceeded
	if rec.Status == ingestion.StatusFailed {
		eventType = models.EventIngestionFailed
	}
	return n.producer.PublishEvent(ctx, eventType, n.source, rec.CreatedBy+"/"+rec.ID, models.IngestionOutcome{
		ID:         rec.ID,
		CreatedBy:  rec.CreatedBy,
		Collection: item.Collection,
		Status:     string(rec.Status),
		Message:    rec.Message,
		UpdatedAt:  rec.UpdatedAt,
	})
}
