package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
)

// Status represents booking status
type Status string

const (
	StatusPending        Status = "pending"
	StatusSearching      Status = "searching"
	StatusOffered        Status = "offered"
	StatusAccepted       Status = "accepted"
	StatusEnRoute        Status = "en_route"
	StatusArrivedPickup  Status = "arrived_pickup"
	StatusPickedUp       Status = "picked_up"
	StatusEnRouteDropoff Status = "en_route_dropoff"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// DefaultOfferTTL is used when an offer is made without an explicit TTL
const DefaultOfferTTL = 45 * time.Second

// CancelReasonKey is the metadata key a cancellation reason is recorded under
const CancelReasonKey = "cancel_reason"

// progression is the fixed fulfilment sequence driven by UpdateProgress.
var progression = map[Status]Status{
	StatusAccepted:       StatusEnRoute,
	StatusEnRoute:        StatusArrivedPickup,
	StatusArrivedPickup:  StatusPickedUp,
	StatusPickedUp:       StatusEnRouteDropoff,
	StatusEnRouteDropoff: StatusDelivered,
}

// IsValid validates the status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSearching, StatusOffered, StatusAccepted, StatusEnRoute,
		StatusArrivedPickup, StatusPickedUp, StatusEnRouteDropoff, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for delivered and cancelled
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// IsProgressStage reports whether s can be requested through UpdateProgress
func (s Status) IsProgressStage() bool {
	for _, next := range progression {
		if next == s {
			return true
		}
	}
	return false
}

// Stop is a pickup or dropoff point
type Stop struct {
	Sequence int            `json:"sequence"`
	Geo      rider.Location `json:"geo"`
	Address  *string        `json:"address,omitempty"`
}

// Offer tracks the rider currently being asked and everyone asked before
type Offer struct {
	ExpiresAt *time.Time `json:"expires_at"`
	OfferedTo []string   `json:"offered_to"`
	Round     int        `json:"round"`
}

// WaitTimes are the accumulated waits at pickup and dropoff
type WaitTimes struct {
	PickupSec  int64 `json:"pickup_sec"`
	DropoffSec int64 `json:"dropoff_sec"`
}

// Customer identifies who requested the booking
type Customer struct {
	UserID string `json:"customer_user_id"`
	Name   string `json:"customer_name"`
	Phone  string `json:"customer_phone"`
}

// Booking represents one delivery request undergoing matching and fulfilment
type Booking struct {
	ID               string            `json:"booking_id"`
	DeliveryID       string            `json:"delivery_id"`
	Status           Status            `json:"status"`
	VehicleType      rider.VehicleType `json:"vehicle_type"`
	Pickup           Stop              `json:"pickup"`
	Dropoffs         []Stop            `json:"dropoffs"`
	Rider            *rider.Info       `json:"rider"`
	Offer            Offer             `json:"offer"`
	WaitTimes        WaitTimes         `json:"wait_times"`
	CanUserEdit      bool              `json:"can_user_edit"`
	Customer         Customer          `json:"customer"`
	Metadata         map[string]any    `json:"metadata"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	PickupWaitStart  *time.Time        `json:"pickup_wait_start,omitempty"`
	DropoffWaitStart *time.Time        `json:"dropoff_wait_start,omitempty"`
}

// NewParams holds everything needed to create a booking
type NewParams struct {
	DeliveryID  string
	VehicleType rider.VehicleType
	Pickup      Stop
	Dropoffs    []Stop
	Customer    Customer
	Metadata    map[string]any
}

// Edit is a partial update of the booking payload. Nil fields are left unchanged;
// Metadata is merged key by key.
type Edit struct {
	Pickup   *Stop
	Dropoffs []Stop
	Metadata map[string]any
}

// Summary is the completion record emitted once a booking is delivered
type Summary struct {
	BookingID   string      `json:"booking_id"`
	DeliveryID  string      `json:"delivery_id"`
	Rider       *rider.Info `json:"rider"`
	WaitTimes   WaitTimes   `json:"wait_times"`
	DeliveredAt time.Time   `json:"delivered_at"`
}

// NewID generates a booking identifier
func NewID() string {
	return "bkg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// New creates a pending booking
func New(p NewParams, now time.Time) (*Booking, error) {
	if !p.VehicleType.IsValid() {
		return nil, fmt.Errorf("%w: vehicle type %q", ErrInvalidBooking, p.VehicleType)
	}
	if p.Customer.UserID == "" {
		return nil, fmt.Errorf("%w: customer user id is required", ErrInvalidBooking)
	}
	if err := validateStops(&p.Pickup, p.Dropoffs); err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		metadata[k] = v
	}

	return &Booking{
		ID:          NewID(),
		DeliveryID:  p.DeliveryID,
		Status:      StatusPending,
		VehicleType: p.VehicleType,
		Pickup:      p.Pickup,
		Dropoffs:    append([]Stop(nil), p.Dropoffs...),
		Offer:       Offer{OfferedTo: []string{}},
		CanUserEdit: true,
		Customer:    p.Customer,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// StartSearching moves a pending booking into the search loop
func (b *Booking) StartSearching(now time.Time) error {
	if b.Status != StatusPending {
		return b.invalid("start searching", StatusSearching)
	}
	b.Status = StatusSearching
	b.UpdatedAt = now
	return nil
}

// OfferToRider offers the booking to riderID until now+ttl. The aggregate does not
// deduplicate offers; excluding riders already asked is the caller's policy.
func (b *Booking) OfferToRider(riderID string, ttl time.Duration, now time.Time) error {
	if b.Status != StatusSearching {
		return b.invalid("offer", StatusOffered)
	}
	if riderID == "" {
		return rider.ErrInvalidRiderID
	}
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	expiresAt := now.Add(ttl)
	b.Status = StatusOffered
	b.Offer.OfferedTo = append(b.Offer.OfferedTo, riderID)
	b.Offer.ExpiresAt = &expiresAt
	b.Offer.Round++
	b.UpdatedAt = now
	return nil
}

// AcceptByRider binds the rider and commits the booking
func (b *Booking) AcceptByRider(info rider.Info, now time.Time) error {
	if b.Status != StatusOffered {
		return b.invalid("accept", StatusAccepted)
	}
	if err := info.IsValid(); err != nil {
		return err
	}
	b.Status = StatusAccepted
	b.Rider = &info
	b.Offer.ExpiresAt = nil
	// Edits stay open until delivery.
	b.CanUserEdit = true
	b.UpdatedAt = now
	return nil
}

// DeclineByRider returns the booking to searching
func (b *Booking) DeclineByRider(now time.Time) error {
	if b.Status != StatusOffered {
		return b.invalid("decline", StatusSearching)
	}
	b.Status = StatusSearching
	b.Offer.ExpiresAt = nil
	b.UpdatedAt = now
	return nil
}

// ExpireOffer returns the booking to searching once the offer TTL has elapsed
func (b *Booking) ExpireOffer(now time.Time) error {
	if b.Status != StatusOffered {
		return b.invalid("expire offer", StatusSearching)
	}
	b.Status = StatusSearching
	b.Offer.ExpiresAt = nil
	b.UpdatedAt = now
	return nil
}

// UpdateProgress advances the booking one step along the fulfilment sequence and
// records wait times on entering and leaving the pickup and dropoff waits.
func (b *Booking) UpdateProgress(next Status, now time.Time) error {
	if want, ok := progression[b.Status]; !ok || want != next {
		return b.invalid("update progress", next)
	}

	switch next {
	case StatusArrivedPickup:
		start := now
		b.PickupWaitStart = &start
	case StatusPickedUp:
		if b.PickupWaitStart != nil {
			b.WaitTimes.PickupSec = elapsedSeconds(*b.PickupWaitStart, now)
			b.PickupWaitStart = nil
		}
	case StatusEnRouteDropoff:
		start := now
		b.DropoffWaitStart = &start
	case StatusDelivered:
		if b.DropoffWaitStart != nil {
			b.WaitTimes.DropoffSec = elapsedSeconds(*b.DropoffWaitStart, now)
			b.DropoffWaitStart = nil
		}
		b.CanUserEdit = false
	}

	b.Status = next
	b.UpdatedAt = now
	return nil
}

// EditDetails applies a partial update while edits are still allowed
func (b *Booking) EditDetails(e Edit, now time.Time) error {
	if !b.CanUserEdit {
		return ErrEditNotAllowed
	}

	pickup := b.Pickup
	if e.Pickup != nil {
		pickup = *e.Pickup
	}
	dropoffs := b.Dropoffs
	if e.Dropoffs != nil {
		dropoffs = e.Dropoffs
	}
	if err := validateStops(&pickup, dropoffs); err != nil {
		return err
	}

	b.Pickup = pickup
	if e.Dropoffs != nil {
		b.Dropoffs = append([]Stop(nil), e.Dropoffs...)
	}
	if len(e.Metadata) > 0 && b.Metadata == nil {
		b.Metadata = make(map[string]any, len(e.Metadata))
	}
	for k, v := range e.Metadata {
		b.Metadata[k] = v
	}
	b.UpdatedAt = now
	return nil
}

// Cancel terminates a booking that has not been delivered or cancelled yet
func (b *Booking) Cancel(reason string, now time.Time) error {
	if b.Status.IsTerminal() {
		return b.invalid("cancel", StatusCancelled)
	}
	if b.Metadata == nil {
		b.Metadata = make(map[string]any, 1)
	}
	b.Status = StatusCancelled
	b.Metadata[CancelReasonKey] = reason
	b.Offer.ExpiresAt = nil
	b.CanUserEdit = false
	b.UpdatedAt = now
	return nil
}

// IsTerminal returns true once no further mutation can succeed
func (b *Booking) IsTerminal() bool {
	return b.Status.IsTerminal()
}

// CurrentOfferee returns the rider holding the live offer, if any
func (b *Booking) CurrentOfferee() (string, bool) {
	if b.Status != StatusOffered || len(b.Offer.OfferedTo) == 0 {
		return "", false
	}
	return b.Offer.OfferedTo[len(b.Offer.OfferedTo)-1], true
}

// HasBeenOffered reports whether riderID was ever asked to take this booking
func (b *Booking) HasBeenOffered(riderID string) bool {
	for _, id := range b.Offer.OfferedTo {
		if id == riderID {
			return true
		}
	}
	return false
}

// OfferExpired reports whether the live offer has passed its expiry at now
func (b *Booking) OfferExpired(now time.Time) bool {
	return b.Status == StatusOffered && b.Offer.ExpiresAt != nil && !now.Before(*b.Offer.ExpiresAt)
}

// Summary returns the completion record
func (b *Booking) Summary() Summary {
	return Summary{
		BookingID:   b.ID,
		DeliveryID:  b.DeliveryID,
		Rider:       b.Rider,
		WaitTimes:   b.WaitTimes,
		DeliveredAt: b.UpdatedAt,
	}
}

// Clone returns a deep copy so stored bookings never alias caller state
func (b *Booking) Clone() *Booking {
	c := *b
	c.Dropoffs = append([]Stop(nil), b.Dropoffs...)
	c.Offer.OfferedTo = append([]string{}, b.Offer.OfferedTo...)
	c.Offer.ExpiresAt = cloneTime(b.Offer.ExpiresAt)
	c.PickupWaitStart = cloneTime(b.PickupWaitStart)
	c.DropoffWaitStart = cloneTime(b.DropoffWaitStart)
	c.Pickup.Address = cloneString(b.Pickup.Address)
	for i := range c.Dropoffs {
		c.Dropoffs[i].Address = cloneString(b.Dropoffs[i].Address)
	}
	if b.Rider != nil {
		r := *b.Rider
		c.Rider = &r
	}
	if b.Metadata != nil {
		c.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (b *Booking) invalid(op string, to Status) error {
	return &TransitionError{Op: op, From: b.Status, To: to}
}

func validateStops(pickup *Stop, dropoffs []Stop) error {
	if !pickup.Geo.IsValid() {
		return fmt.Errorf("%w: pickup coordinates out of range", ErrInvalidBooking)
	}
	if len(dropoffs) == 0 {
		return fmt.Errorf("%w: at least one dropoff is required", ErrInvalidBooking)
	}
	for i := range dropoffs {
		if !dropoffs[i].Geo.IsValid() {
			return fmt.Errorf("%w: dropoff %d coordinates out of range", ErrInvalidBooking, i)
		}
	}
	return nil
}

func elapsedSeconds(start, now time.Time) int64 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
