package events

import (
	"time"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	"github.com/google/uuid"
)

// Type identifies a booking event
type Type string

const (
	TypeMatchingInProgress Type = "booking.matching_in_progress"
	TypeMatchingFailed     Type = "booking.matching_failed"
	TypeOfferSent          Type = "booking.offer_sent"
	TypeOfferExpired       Type = "booking.offer_expired"
	TypeOfferWithdrawn     Type = "booking.offer_withdrawn"
	TypeAccepted           Type = "booking.accepted"
	TypeRiderArrived       Type = "booking.rider_arrived"
	TypeStageChanged       Type = "booking.stage_changed"
	TypeCompleted          Type = "booking.completed"
	TypeCancelled          Type = "booking.cancelled"
	TypeUpdated            Type = "booking.updated"
)

// Matching failure reasons
const (
	ReasonNoCandidates = "no_candidates"
	ReasonExhausted    = "exhausted"
)

// Event is a booking state-change notification. CustomerID and RiderID name the
// audience; either may be empty.
type Event struct {
	ID         string    `json:"event_id"`
	Type       Type      `json:"type"`
	BookingID  string    `json:"booking_id"`
	Timestamp  time.Time `json:"timestamp"`
	CustomerID string    `json:"customer_id,omitempty"`
	RiderID    string    `json:"rider_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// MatchingFailedData is carried by TypeMatchingFailed
type MatchingFailedData struct {
	Reason    string `json:"reason"`
	Attempted int    `json:"attempted"`
}

// OfferData is carried by TypeOfferSent, TypeOfferExpired and TypeOfferWithdrawn
type OfferData struct {
	RiderID     string            `json:"rider_id"`
	Round       int               `json:"round"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	VehicleType rider.VehicleType `json:"vehicle_type,omitempty"`
	Pickup      *booking.Stop     `json:"pickup,omitempty"`
	Dropoffs    []booking.Stop    `json:"dropoffs,omitempty"`
}

// AcceptedData is carried by TypeAccepted
type AcceptedData struct {
	Rider rider.Info `json:"rider"`
}

// StageData is carried by TypeStageChanged and TypeRiderArrived
type StageData struct {
	Stage booking.Status `json:"stage"`
}

// CancelledData is carried by TypeCancelled
type CancelledData struct {
	Reason string `json:"reason"`
}

// New builds an event for b addressed to its customer and, once bound, its rider
func New(t Type, b *booking.Booking, now time.Time, data any) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       t,
		BookingID:  b.ID,
		Timestamp:  now,
		CustomerID: b.Customer.UserID,
		Data:       data,
	}
	if b.Rider != nil {
		e.RiderID = b.Rider.UserID
	}
	return e
}

// ForRider builds a rider-only event such as an offer or its withdrawal
func ForRider(t Type, b *booking.Booking, riderID string, now time.Time, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		BookingID: b.ID,
		Timestamp: now,
		RiderID:   riderID,
		Data:      data,
	}
}

// NewOfferData describes the offer riderID holds on b
func NewOfferData(b *booking.Booking, riderID string) OfferData {
	pickup := b.Pickup
	d := OfferData{
		RiderID:     riderID,
		Round:       b.Offer.Round,
		VehicleType: b.VehicleType,
		Pickup:      &pickup,
		Dropoffs:    append([]booking.Stop(nil), b.Dropoffs...),
	}
	if b.Offer.ExpiresAt != nil {
		exp := *b.Offer.ExpiresAt
		d.ExpiresAt = &exp
	}
	return d
}
