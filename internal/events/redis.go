package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocomet/courier-dispatch/internal/observability"
	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes events over Redis Pub/Sub, both on a per-booking
// channel and on a shared firehose channel
type RedisPublisher struct {
	rdb    redisClient
	prefix string
}

// NewRedisPublisher creates a publisher using channels under prefix
func NewRedisPublisher(rdb redisClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "courier"
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Publish implements Publisher
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.BookingChannel(e.BookingID), data).Err(); err != nil {
		observability.EventsPublishFailed.WithLabelValues("redis").Inc()
		return fmt.Errorf("redis publish: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.FirehoseChannel(), data).Err(); err != nil {
		observability.EventsPublishFailed.WithLabelValues("redis").Inc()
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// BookingChannel is the channel carrying one booking's events
func (p *RedisPublisher) BookingChannel(bookingID string) string {
	return p.prefix + ":booking:" + bookingID
}

// FirehoseChannel is the channel carrying every booking event
func (p *RedisPublisher) FirehoseChannel() string {
	return p.prefix + ":bookings"
}
