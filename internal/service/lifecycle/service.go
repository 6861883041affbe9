package lifecycle

import (
	"context"
	"time"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	"github.com/gocomet/courier-dispatch/internal/events"
	"github.com/gocomet/courier-dispatch/internal/observability"
	"github.com/gocomet/courier-dispatch/internal/service/matching"
	"github.com/gocomet/courier-dispatch/internal/service/presence"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/gocomet/courier-dispatch/pkg/monitoring"
)

// Config holds lifecycle configuration
type Config struct {
	AutoMatch bool // Start matching as soon as a booking is created
}

// Timers reports wait times, including a wait still in progress
type Timers struct {
	PickupWaitSec  int64 `json:"pickup_wait_sec"`
	DropoffWaitSec int64 `json:"dropoff_wait_sec"`
}

// Service is the entry point for everything that happens to a booking and to
// rider presence
type Service struct {
	repo        booking.Repository
	coordinator *matching.Coordinator
	presence    *presence.Registry
	clock       matching.Clock
	monitor     *monitoring.NewRelicApp
	logger      *logger.Logger
	config      Config
}

// NewService creates a new lifecycle service
func NewService(
	repo booking.Repository,
	coordinator *matching.Coordinator,
	registry *presence.Registry,
	clock matching.Clock,
	monitor *monitoring.NewRelicApp,
	log *logger.Logger,
	cfg Config,
) *Service {
	if clock == nil {
		clock = matching.RealClock()
	}
	return &Service{
		repo:        repo,
		coordinator: coordinator,
		presence:    registry,
		clock:       clock,
		monitor:     monitor,
		logger:      log,
		config:      cfg,
	}
}

// CreateBooking stores a new booking and, with AutoMatch, starts matching it
func (s *Service) CreateBooking(ctx context.Context, p booking.NewParams) (*booking.Booking, error) {
	b, err := booking.New(p, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, b); err != nil {
		return nil, err
	}

	observability.BookingsCreated.Inc()
	s.monitor.RecordBookingCreated(string(b.VehicleType))
	s.logger.Info("Booking created",
		logger.BookingID(b.ID),
		logger.String("delivery_id", b.DeliveryID),
		logger.String("vehicle_type", string(b.VehicleType)),
		logger.Int("dropoffs", len(b.Dropoffs)),
	)

	if !s.config.AutoMatch {
		return b, nil
	}
	return s.coordinator.BeginMatching(ctx, b.ID)
}

// StartMatching starts matching a pending booking
func (s *Service) StartMatching(ctx context.Context, id string) (*booking.Booking, error) {
	return s.coordinator.BeginMatching(ctx, id)
}

// GetBooking returns a booking by ID
func (s *Service) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	return s.repo.Load(ctx, id)
}

// GetBookingByDelivery returns the booking created for a delivery
func (s *Service) GetBookingByDelivery(ctx context.Context, deliveryID string) (*booking.Booking, error) {
	return s.repo.LoadByDeliveryID(ctx, deliveryID)
}

// EditBooking applies a partial edit while edits are allowed
func (s *Service) EditBooking(ctx context.Context, id string, edit booking.Edit) (*booking.Booking, error) {
	return s.coordinator.Update(ctx, id, func(b *booking.Booking, now time.Time) ([]events.Event, error) {
		if err := b.EditDetails(edit, now); err != nil {
			return nil, err
		}
		return []events.Event{events.New(events.TypeUpdated, b, now, nil)}, nil
	})
}

// CancelBooking cancels a booking that is not yet terminal
func (s *Service) CancelBooking(ctx context.Context, id, reason string) (*booking.Booking, error) {
	var from booking.Status
	if current, err := s.repo.Load(ctx, id); err == nil {
		from = current.Status
	}
	b, err := s.coordinator.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	s.monitor.RecordBookingCancelled(b.ID, string(from))
	return b, nil
}

// RiderRespond records a rider's accept or decline of its offer
func (s *Service) RiderRespond(ctx context.Context, id, riderID string, accept bool) (*booking.Booking, error) {
	return s.coordinator.Respond(ctx, id, riderID, accept)
}

// RetryMatching restarts the offer loop of a booking still searching
func (s *Service) RetryMatching(ctx context.Context, id string) (*booking.Booking, error) {
	return s.coordinator.Retry(ctx, id)
}

// AdvanceProgress moves an accepted booking one fulfilment stage forward
func (s *Service) AdvanceProgress(ctx context.Context, id string, stage booking.Status) (*booking.Booking, error) {
	b, err := s.coordinator.Update(ctx, id, func(b *booking.Booking, now time.Time) ([]events.Event, error) {
		if err := b.UpdateProgress(stage, now); err != nil {
			return nil, err
		}

		out := []events.Event{events.New(events.TypeStageChanged, b, now, events.StageData{Stage: stage})}
		switch stage {
		case booking.StatusArrivedPickup:
			out = append(out, events.New(events.TypeRiderArrived, b, now, events.StageData{Stage: stage}))
		case booking.StatusDelivered:
			out = append(out, events.New(events.TypeCompleted, b, now, b.Summary()))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	observability.BookingTransitions.WithLabelValues(string(stage)).Inc()
	switch stage {
	case booking.StatusPickedUp:
		observability.WaitSeconds.WithLabelValues("pickup").Observe(float64(b.WaitTimes.PickupSec))
	case booking.StatusDelivered:
		observability.WaitSeconds.WithLabelValues("dropoff").Observe(float64(b.WaitTimes.DropoffSec))
		s.monitor.RecordBookingCompleted(b.ID, b.WaitTimes.PickupSec, b.WaitTimes.DropoffSec)
	}
	s.logger.Info("Booking progressed",
		logger.BookingID(b.ID),
		logger.String("stage", string(stage)),
	)
	return b, nil
}

// GetTimers returns recorded wait times. A wait still running reports the
// seconds elapsed so far.
func (s *Service) GetTimers(ctx context.Context, id string) (Timers, error) {
	b, err := s.repo.Load(ctx, id)
	if err != nil {
		return Timers{}, err
	}

	now := s.clock.Now()
	t := Timers{PickupWaitSec: b.WaitTimes.PickupSec, DropoffWaitSec: b.WaitTimes.DropoffSec}
	if b.PickupWaitStart != nil {
		t.PickupWaitSec = elapsed(*b.PickupWaitStart, now)
	}
	if b.DropoffWaitStart != nil {
		t.DropoffWaitSec = elapsed(*b.DropoffWaitStart, now)
	}
	return t, nil
}

// CompleteBooking returns the completion summary of a delivered booking and
// announces booking.completed again for consumers that missed the first one
func (s *Service) CompleteBooking(ctx context.Context, id string) (booking.Summary, error) {
	b, err := s.coordinator.View(ctx, id, func(b *booking.Booking, now time.Time) ([]events.Event, error) {
		if b.Status != booking.StatusDelivered {
			return nil, &booking.TransitionError{Op: "complete", From: b.Status, To: booking.StatusDelivered}
		}
		return []events.Event{events.New(events.TypeCompleted, b, now, b.Summary())}, nil
	})
	if err != nil {
		return booking.Summary{}, err
	}
	return b.Summary(), nil
}

// RiderOnline makes a rider available for dispatch
func (s *Service) RiderOnline(riderID string, session presence.Session, profile rider.Info, loc *rider.Location) error {
	if err := s.presence.MarkOnline(riderID, session, profile, loc); err != nil {
		return err
	}
	s.monitor.RecordRidersOnline(s.presence.Count())
	return nil
}

// RiderOffline removes a rider from dispatch
func (s *Service) RiderOffline(riderID string) bool {
	removed := s.presence.MarkOffline(riderID)
	if removed {
		s.monitor.RecordRidersOnline(s.presence.Count())
	}
	return removed
}

// RiderDisconnected removes a rider whose session dropped, unless the rider has
// already reconnected on a newer session
func (s *Service) RiderDisconnected(riderID, sessionID string) bool {
	removed := s.presence.RemoveSession(riderID, sessionID)
	if removed {
		s.monitor.RecordRidersOnline(s.presence.Count())
	}
	return removed
}

// RiderLocationUpdate records a location ping for an online rider
func (s *Service) RiderLocationUpdate(riderID string, loc rider.Location) error {
	if err := s.presence.UpdateLocation(riderID, loc); err != nil {
		return err
	}
	s.monitor.RecordLocationUpdate()
	return nil
}

// OnlineRiders lists riders currently available for dispatch
func (s *Service) OnlineRiders() []presence.Entry {
	return s.presence.Snapshot()
}

func elapsed(start, now time.Time) int64 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
