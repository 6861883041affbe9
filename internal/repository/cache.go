package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/redis/go-redis/v9"
)

type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedBookingRepository fronts another repository with a Redis read-through,
// write-through cache. Cache failures are logged and fall back to the store.
type CachedBookingRepository struct {
	next   booking.Repository
	rdb    cacheClient
	ttl    time.Duration
	logger *logger.Logger
}

// NewCachedBookingRepository wraps next
func NewCachedBookingRepository(next booking.Repository, rdb cacheClient, ttl time.Duration, log *logger.Logger) *CachedBookingRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedBookingRepository{next: next, rdb: rdb, ttl: ttl, logger: log}
}

// Load implements booking.Repository
func (r *CachedBookingRepository) Load(ctx context.Context, id string) (*booking.Booking, error) {
	data, err := r.rdb.Get(ctx, bookingKey(id)).Bytes()
	switch {
	case err == nil:
		var b booking.Booking
		if err := json.Unmarshal(data, &b); err == nil {
			return &b, nil
		}
		r.logger.Warn("Discarding undecodable cached booking", logger.BookingID(id))
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("Booking cache read failed", logger.BookingID(id), logger.Err(err))
	}

	b, err := r.next.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(ctx, b)
	return b, nil
}

// LoadByDeliveryID implements booking.Repository. Delivery lookups are rare and
// go straight to the store.
func (r *CachedBookingRepository) LoadByDeliveryID(ctx context.Context, deliveryID string) (*booking.Booking, error) {
	return r.next.LoadByDeliveryID(ctx, deliveryID)
}

// ListByStatus implements booking.Repository. Listing always reads the store.
func (r *CachedBookingRepository) ListByStatus(ctx context.Context, status booking.Status) ([]*booking.Booking, error) {
	return r.next.ListByStatus(ctx, status)
}

// Save implements booking.Repository
func (r *CachedBookingRepository) Save(ctx context.Context, b *booking.Booking) error {
	if err := r.next.Save(ctx, b); err != nil {
		return err
	}
	r.store(ctx, b)
	return nil
}

func (r *CachedBookingRepository) store(ctx context.Context, b *booking.Booking) {
	data, err := json.Marshal(b)
	if err != nil {
		r.logger.Warn("Failed to encode booking for cache", logger.BookingID(b.ID), logger.Err(err))
		return
	}
	if err := r.rdb.Set(ctx, bookingKey(b.ID), data, r.ttl).Err(); err != nil {
		r.logger.Warn("Booking cache write failed", logger.BookingID(b.ID), logger.Err(err))
		// A stale entry must not outlive a failed refresh.
		_ = r.rdb.Del(ctx, bookingKey(b.ID)).Err()
	}
}

func bookingKey(id string) string {
	return "booking:" + id
}
