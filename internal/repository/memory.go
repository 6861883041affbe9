package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
)

// MemoryBookingRepository keeps bookings in process memory. Stored bookings are
// cloned on the way in and out so callers never share state with the store.
type MemoryBookingRepository struct {
	mu         sync.RWMutex
	bookings   map[string]*booking.Booking
	byDelivery map[string]string
}

// NewMemoryBookingRepository creates an empty repository
func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{
		bookings:   make(map[string]*booking.Booking),
		byDelivery: make(map[string]string),
	}
}

// Load implements booking.Repository
func (r *MemoryBookingRepository) Load(_ context.Context, id string) (*booking.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, booking.ErrBookingNotFound
	}
	return b.Clone(), nil
}

// LoadByDeliveryID implements booking.Repository
func (r *MemoryBookingRepository) LoadByDeliveryID(ctx context.Context, deliveryID string) (*booking.Booking, error) {
	r.mu.RLock()
	id, ok := r.byDelivery[deliveryID]
	r.mu.RUnlock()
	if !ok {
		return nil, booking.ErrBookingNotFound
	}
	return r.Load(ctx, id)
}

// ListByStatus implements booking.Repository
func (r *MemoryBookingRepository) ListByStatus(_ context.Context, status booking.Status) ([]*booking.Booking, error) {
	r.mu.RLock()
	var out []*booking.Booking
	for _, b := range r.bookings {
		if b.Status == status {
			out = append(out, b.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Save implements booking.Repository
func (r *MemoryBookingRepository) Save(_ context.Context, b *booking.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings[b.ID] = b.Clone()
	if b.DeliveryID != "" {
		r.byDelivery[b.DeliveryID] = b.ID
	}
	return nil
}

// Count returns the number of stored bookings
func (r *MemoryBookingRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bookings)
}
