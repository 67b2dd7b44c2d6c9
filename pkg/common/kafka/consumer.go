package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader messageReader
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader}
}

// Consume runs handler for every message until ctx ends. Messages whose
// handler fails are not committed and come back after a rebalance.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Log.WithError(err).Error("Failed to fetch message")
				continue
			}
			if _, err := c.handle(ctx, message, handler); err != nil {
				continue
			}
		}
	}
}

// Drain handles messages until none arrives for idle, then returns how many
// were handled. It stops at the first handler failure without committing it.
func (c *Consumer) Drain(ctx context.Context, idle time.Duration, handler EventHandler) (int, error) {
	handled := 0
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, idle)
		message, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return handled, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return handled, nil
			}
			return handled, fmt.Errorf("fetch message: %w", err)
		}
		ok, err := c.handle(ctx, message, handler)
		if err != nil {
			return handled, err
		}
		if ok {
			handled++
		}
	}
}

// handle reports whether message carried a decodable event that was handled.
func (c *Consumer) handle(ctx context.Context, message kafka.Message, handler EventHandler) (bool, error) {
	var event models.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal event")
		return false, c.reader.CommitMessages(ctx, message)
	}

	if err := handler(ctx, event); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
		}).Error("Failed to process event")
		return false, err
	}

	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit message")
		return true, err
	}
	return true, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
