package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/segmentio/kafka-go"
)

const maxReadBackoff = 30 * time.Second

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads booking events back off the Kafka topic
type Consumer struct {
	reader  messageReader
	logger  *logger.Logger
	backoff time.Duration
}

// NewKafkaConsumer creates a consumer-group reader for topic
func NewKafkaConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, logger: log, backoff: time.Second}
}

// Run hands each decoded event to handle until ctx is cancelled. Malformed
// messages are skipped; read errors back off exponentially.
func (c *Consumer) Run(ctx context.Context, handle func(Event) error) error {
	backoff := c.backoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Kafka read failed",
				logger.Err(err),
				logger.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReadBackoff {
				backoff = maxReadBackoff
			}
			continue
		}
		backoff = c.backoff

		var e Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			c.logger.Warn("Skipping malformed event",
				logger.String("key", string(m.Key)),
				logger.Int64("offset", m.Offset),
				logger.Err(err),
			)
			continue
		}
		if err := handle(e); err != nil {
			c.logger.Error("Event handler failed",
				logger.String("event_id", e.ID),
				logger.BookingID(e.BookingID),
				logger.Err(err),
			)
		}
	}
}

// Close closes the reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
