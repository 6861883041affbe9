package booking

import "context"

// Repository defines the interface for booking persistence
type Repository interface {
	// Load retrieves a booking by ID, returning ErrBookingNotFound if absent
	Load(ctx context.Context, id string) (*Booking, error)

	// LoadByDeliveryID retrieves the booking created for a delivery
	LoadByDeliveryID(ctx context.Context, deliveryID string) (*Booking, error)

	// ListByStatus returns every booking currently in status, oldest first
	ListByStatus(ctx context.Context, status Status) ([]*Booking, error)

	// Save inserts or replaces a booking
	Save(ctx context.Context, b *Booking) error
}
