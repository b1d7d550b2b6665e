package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
)

// ErrPermanent marks a handler failure that retrying cannot fix. Such messages go to
// the dead-letter topic, when one is configured, and are committed.
var ErrPermanent = errors.New("permanent event failure")

type EventHandler func(ctx context.Context, event models.Event) error

type Consumer struct {
	reader *kafka.Reader
	dlq    *Producer
	retry  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, dlq *Producer) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader, dlq: dlq, retry: 2 * time.Second}
}

// Consume runs handler for every message until ctx is done. A message is committed
// once handled or dead-lettered; a transient failure is retried in place so that
// offsets never skip an unprocessed batch.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			if !sleep(ctx, c.retry) {
				return ctx.Err()
			}
			continue
		}

		var event models.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Log.WithError(err).Error("Failed to unmarshal event")
			c.deadLetter(ctx, message, "malformed event")
			c.commit(ctx, message)
			continue
		}

		for {
			err = handler(ctx, event)
			if err == nil || errors.Is(err, ErrPermanent) || ctx.Err() != nil {
				break
			}
			logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Event handling failed, retrying")
			if !sleep(ctx, c.retry) {
				break
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Log.WithError(err).WithField("event_id", event.ID).Error("Failed to process event")
			c.deadLetter(ctx, message, err.Error())
		}
		c.commit(ctx, message)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, message kafka.Message, reason string) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.PublishRaw(ctx, message, reason); err != nil {
		logger.Log.WithError(err).Error("Failed to dead-letter message")
	}
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit message")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
