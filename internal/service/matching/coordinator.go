package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	"github.com/gocomet/courier-dispatch/internal/events"
	"github.com/gocomet/courier-dispatch/internal/observability"
	"github.com/gocomet/courier-dispatch/internal/service/presence"
	"github.com/gocomet/courier-dispatch/pkg/logger"
)

// Presence is the view of the presence registry used for dispatch
type Presence interface {
	Snapshot() []presence.Entry
	Get(riderID string) (presence.Entry, bool)
	Deliver(riderID string, msg any) error
}

// Config holds offer coordination configuration
type Config struct {
	OfferTTL       time.Duration
	MaxOfferRounds int           // 0 means bounded only by the number of candidates
	ExpiryTimeout  time.Duration // Deadline for the storage work done when an offer expires
	ExpiryRetry    time.Duration // Delay before retrying an expiry that could not be stored
}

// Coordinator drives the offer loop of every in-flight booking. All mutations of
// one booking are serialized by a per-booking lock; different bookings proceed
// in parallel.
type Coordinator struct {
	repo      booking.Repository
	presence  Presence
	publisher events.Publisher
	selector  Selector
	clock     Clock
	logger    *logger.Logger
	config    Config
	locks     *keyedLocker

	mu     sync.Mutex
	timers map[string]armedTimer
}

type armedTimer struct {
	round int
	timer Timer
}

// NewCoordinator creates a coordinator. A nil selector uses NearestSelector
// defaults and a nil clock uses the system clock.
func NewCoordinator(
	repo booking.Repository,
	presence Presence,
	publisher events.Publisher,
	selector Selector,
	clock Clock,
	log *logger.Logger,
	cfg Config,
) *Coordinator {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = booking.DefaultOfferTTL
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = 5 * time.Second
	}
	if cfg.ExpiryRetry <= 0 {
		cfg.ExpiryRetry = 2 * time.Second
	}
	if selector == nil {
		selector = NewNearestSelector(SelectorConfig{}, nil)
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Coordinator{
		repo:      repo,
		presence:  presence,
		publisher: publisher,
		selector:  selector,
		clock:     clock,
		logger:    log,
		config:    cfg,
		locks:     newKeyedLocker(),
		timers:    make(map[string]armedTimer),
	}
}

// txn is the unit of work done under one booking's lock
type txn struct {
	b      *booking.Booking
	now    time.Time
	dirty  bool
	events []events.Event
	after  []func()
}

func (t *txn) emit(e events.Event) {
	t.events = append(t.events, e)
}

// withBooking loads the booking under its lock, applies fn, saves if fn changed
// it, runs post-save hooks and publishes the collected events. Events go out
// before the lock is released so one booking's events leave in commit order.
// The booking is saved even when fn returns an error, so a late accept can
// record the expiry it triggered.
func (c *Coordinator) withBooking(ctx context.Context, id string, fn func(t *txn) error) (*booking.Booking, error) {
	unlock := c.locks.Lock(id)

	b, err := c.repo.Load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	t := &txn{b: b, now: c.clock.Now()}
	fnErr := fn(t)
	if t.dirty {
		if err := c.repo.Save(ctx, b); err != nil {
			unlock()
			c.logger.Error("Failed to save booking",
				logger.BookingID(id),
				logger.Err(err),
			)
			return nil, err
		}
		for _, f := range t.after {
			f()
		}
	}
	c.dispatch(ctx, t.events)
	result := b.Clone()
	unlock()

	return result, fnErr
}

// Update applies fn to the booking under its lock and saves the result when fn
// succeeds. Events returned by fn are published afterwards.
func (c *Coordinator) Update(ctx context.Context, id string, fn func(b *booking.Booking, now time.Time) ([]events.Event, error)) (*booking.Booking, error) {
	return c.withBooking(ctx, id, func(t *txn) error {
		evs, err := fn(t.b, t.now)
		if err != nil {
			return err
		}
		t.dirty = true
		t.events = append(t.events, evs...)
		if t.b.IsTerminal() {
			t.after = append(t.after, func() { c.disarm(t.b.ID) })
		}
		return nil
	})
}

// View runs fn against the booking under its lock without saving. Events
// returned by fn are published afterwards.
func (c *Coordinator) View(ctx context.Context, id string, fn func(b *booking.Booking, now time.Time) ([]events.Event, error)) (*booking.Booking, error) {
	return c.withBooking(ctx, id, func(t *txn) error {
		evs, err := fn(t.b, t.now)
		if err != nil {
			return err
		}
		t.events = append(t.events, evs...)
		return nil
	})
}

// BeginMatching moves a pending booking to searching and makes the first offer
func (c *Coordinator) BeginMatching(ctx context.Context, id string) (*booking.Booking, error) {
	return c.withBooking(ctx, id, func(t *txn) error {
		if err := t.b.StartSearching(t.now); err != nil {
			return err
		}
		t.dirty = true
		t.emit(events.New(events.TypeMatchingInProgress, t.b, t.now, nil))
		return c.offerNext(t)
	})
}

// Retry restarts the offer loop for a booking left searching after a failed match
func (c *Coordinator) Retry(ctx context.Context, id string) (*booking.Booking, error) {
	return c.withBooking(ctx, id, func(t *txn) error {
		if t.b.Status != booking.StatusSearching {
			return &booking.TransitionError{Op: "retry matching", From: t.b.Status, To: booking.StatusOffered}
		}
		t.emit(events.New(events.TypeMatchingInProgress, t.b, t.now, nil))
		return c.offerNext(t)
	})
}

// Respond resolves riderID's answer to its offer. An answer that arrives after
// the offer expired is rejected with ErrOfferExpired and, if the expiry timer has
// not fired yet, performs the expiry itself.
func (c *Coordinator) Respond(ctx context.Context, id, riderID string, accept bool) (*booking.Booking, error) {
	return c.withBooking(ctx, id, func(t *txn) error {
		b := t.b
		if b.IsTerminal() {
			return &booking.TransitionError{Op: "respond to offer", From: b.Status, To: booking.StatusAccepted}
		}

		current, offered := b.CurrentOfferee()
		if !offered || current != riderID {
			if b.Rider != nil && b.Rider.UserID == riderID {
				return &booking.TransitionError{Op: "respond to offer", From: b.Status, To: booking.StatusAccepted}
			}
			if b.HasBeenOffered(riderID) {
				return booking.ErrOfferExpired
			}
			return booking.ErrRiderNotOffered
		}

		if b.OfferExpired(t.now) {
			if err := c.expireCurrent(t); err != nil {
				return err
			}
			return booking.ErrOfferExpired
		}

		if !accept {
			if err := b.DeclineByRider(t.now); err != nil {
				return err
			}
			t.dirty = true
			t.after = append(t.after, func() { c.disarm(b.ID) })
			observability.OffersTotal.WithLabelValues(observability.OutcomeDeclined).Inc()
			c.logger.Info("Offer declined",
				logger.BookingID(b.ID),
				logger.RiderID(riderID),
				logger.Int("round", b.Offer.Round),
			)
			return c.offerNext(t)
		}

		info := rider.Info{UserID: riderID, Vehicle: b.VehicleType}
		if e, ok := c.presence.Get(riderID); ok {
			info = e.Profile
		}
		if err := b.AcceptByRider(info, t.now); err != nil {
			return err
		}
		t.dirty = true
		t.after = append(t.after, func() { c.disarm(b.ID) })
		t.emit(events.New(events.TypeAccepted, b, t.now, events.AcceptedData{Rider: info}))
		observability.OffersTotal.WithLabelValues(observability.OutcomeAccepted).Inc()
		observability.BookingTransitions.WithLabelValues(string(booking.StatusAccepted)).Inc()
		c.logger.Info("Offer accepted",
			logger.BookingID(b.ID),
			logger.RiderID(riderID),
			logger.Int("round", b.Offer.Round),
		)
		return nil
	})
}

// Cancel cancels the booking, withdrawing any live offer
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) (*booking.Booking, error) {
	return c.withBooking(ctx, id, func(t *txn) error {
		b := t.b
		offeree, offered := b.CurrentOfferee()
		if err := b.Cancel(reason, t.now); err != nil {
			return err
		}
		t.dirty = true
		t.after = append(t.after, func() { c.disarm(b.ID) })
		t.emit(events.New(events.TypeCancelled, b, t.now, events.CancelledData{Reason: reason}))
		if offered {
			t.emit(events.ForRider(events.TypeOfferWithdrawn, b, offeree, t.now, events.OfferData{RiderID: offeree, Round: b.Offer.Round}))
		}
		observability.BookingTransitions.WithLabelValues(string(booking.StatusCancelled)).Inc()
		c.logger.Info("Booking cancelled",
			logger.BookingID(b.ID),
			logger.String("reason", reason),
		)
		return nil
	})
}

// Stop cancels every armed expiry timer
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, at := range c.timers {
		at.timer.Stop()
		delete(c.timers, id)
	}
}

// offerNext offers the booking to the best eligible candidate or reports a
// failed match, leaving the booking searching.
func (c *Coordinator) offerNext(t *txn) error {
	b := t.b
	if c.config.MaxOfferRounds > 0 && b.Offer.Round >= c.config.MaxOfferRounds {
		c.matchingFailed(t, events.ReasonExhausted)
		return nil
	}

	// Riders already asked are never asked again.
	snapshot := c.presence.Snapshot()
	candidates := make([]presence.Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if !b.HasBeenOffered(e.RiderID) {
			candidates = append(candidates, e)
		}
	}

	next, ok := c.selector.Select(b, candidates)
	if !ok {
		reason := events.ReasonExhausted
		if len(b.Offer.OfferedTo) == 0 {
			reason = events.ReasonNoCandidates
		}
		c.matchingFailed(t, reason)
		return nil
	}

	if err := b.OfferToRider(next.RiderID, c.config.OfferTTL, t.now); err != nil {
		return err
	}
	t.dirty = true

	id, round, ttl := b.ID, b.Offer.Round, b.Offer.ExpiresAt.Sub(t.now)
	t.after = append(t.after, func() { c.arm(id, round, ttl) })

	e := events.New(events.TypeOfferSent, b, t.now, events.NewOfferData(b, next.RiderID))
	e.RiderID = next.RiderID
	t.emit(e)

	observability.OffersTotal.WithLabelValues(observability.OutcomeSent).Inc()
	c.logger.Info("Offer sent",
		logger.BookingID(id),
		logger.RiderID(next.RiderID),
		logger.Int("round", round),
		logger.Duration("ttl", ttl),
		logger.Time("expires_at", *b.Offer.ExpiresAt),
	)
	return nil
}

func (c *Coordinator) matchingFailed(t *txn, reason string) {
	t.emit(events.New(events.TypeMatchingFailed, t.b, t.now, events.MatchingFailedData{
		Reason:    reason,
		Attempted: len(t.b.Offer.OfferedTo),
	}))
	observability.MatchingFailed.WithLabelValues(reason).Inc()
	c.logger.Warn("Matching failed",
		logger.BookingID(t.b.ID),
		logger.String("reason", reason),
		logger.Int("attempted", len(t.b.Offer.OfferedTo)),
	)
}

// expireCurrent resolves the live offer as expired and moves on
func (c *Coordinator) expireCurrent(t *txn) error {
	b := t.b
	riderID, _ := b.CurrentOfferee()
	round := b.Offer.Round
	if err := b.ExpireOffer(t.now); err != nil {
		return err
	}
	t.dirty = true
	t.after = append(t.after, func() { c.disarm(b.ID) })
	t.emit(events.ForRider(events.TypeOfferExpired, b, riderID, t.now, events.OfferData{RiderID: riderID, Round: round}))
	observability.OffersTotal.WithLabelValues(observability.OutcomeExpired).Inc()
	c.logger.Info("Offer expired",
		logger.BookingID(b.ID),
		logger.RiderID(riderID),
		logger.Int("round", round),
	)
	return c.offerNext(t)
}

// expire is the timer callback for one offer round. A timer from a superseded
// round, or one racing a committed accept, finds the round moved on and no-ops.
// The round stays armed until the expiry is stored; a failed load or save is
// retried after ExpiryRetry.
func (c *Coordinator) expire(id string, round int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ExpiryTimeout)
	defer cancel()

	result, err := c.withBooking(ctx, id, func(t *txn) error {
		if t.b.Status != booking.StatusOffered || t.b.Offer.Round != round {
			return nil
		}
		return c.expireCurrent(t)
	})
	switch {
	case err == nil, errors.Is(err, booking.ErrBookingNotFound):
		c.forget(id, round)
	case result == nil:
		retried := c.retry(id, round)
		c.logger.Error("Failed to expire offer",
			logger.BookingID(id),
			logger.Int("round", round),
			logger.Bool("retrying", retried),
			logger.Err(err),
		)
	default:
		c.forget(id, round)
		c.logger.Error("Failed to offer after expiry",
			logger.BookingID(id),
			logger.Int("round", round),
			logger.Err(err),
		)
	}
}

// Recover arms expiry timers for bookings stored with a live offer that this
// process is not tracking, such as after a restart. Offers that lapsed while
// nothing was armed expire straight away. It returns the number of timers armed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	offered, err := c.repo.ListByStatus(ctx, booking.StatusOffered)
	if err != nil {
		return 0, err
	}

	now := c.clock.Now()
	armed := 0
	for _, b := range offered {
		var remaining time.Duration
		if b.Offer.ExpiresAt != nil {
			remaining = b.Offer.ExpiresAt.Sub(now)
		}
		if remaining < 0 {
			remaining = 0
		}
		if c.armIfIdle(b.ID, b.Offer.Round, remaining) {
			armed++
		}
	}
	c.logger.Info("Recovered offer timers",
		logger.Int("offered", len(offered)),
		logger.Int("armed", armed),
	)
	return armed, nil
}

func (c *Coordinator) arm(id string, round int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.timers[id]; ok {
		prev.timer.Stop()
	}
	c.timers[id] = armedTimer{
		round: round,
		timer: c.clock.AfterFunc(d, func() { c.expire(id, round) }),
	}
}

func (c *Coordinator) armIfIdle(id string, round int, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[id]; ok {
		return false
	}
	c.timers[id] = armedTimer{
		round: round,
		timer: c.clock.AfterFunc(d, func() { c.expire(id, round) }),
	}
	return true
}

// retry re-arms a fired round that is still the tracked one
func (c *Coordinator) retry(id string, round int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.timers[id]; !ok || at.round != round {
		return false
	}
	c.timers[id] = armedTimer{
		round: round,
		timer: c.clock.AfterFunc(c.config.ExpiryRetry, func() { c.expire(id, round) }),
	}
	return true
}

func (c *Coordinator) disarm(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.timers[id]; ok {
		at.timer.Stop()
		delete(c.timers, id)
	}
}

// forget drops the bookkeeping for a fired timer once its round is resolved
func (c *Coordinator) forget(id string, round int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.timers[id]; ok && at.round == round {
		delete(c.timers, id)
	}
}

func (c *Coordinator) armedTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// dispatch publishes events and hands offer notices to the rider's session.
// Failures are logged; they never undo a committed transition.
func (c *Coordinator) dispatch(ctx context.Context, evs []events.Event) {
	for _, e := range evs {
		if c.publisher != nil {
			if err := c.publisher.Publish(ctx, e); err != nil {
				c.logger.Warn("Failed to publish event",
					logger.String("type", string(e.Type)),
					logger.BookingID(e.BookingID),
					logger.Err(err),
				)
			}
		}
		if !isRiderNotice(e.Type) || e.RiderID == "" {
			continue
		}
		if err := c.presence.Deliver(e.RiderID, e); err != nil {
			c.logger.Warn("Failed to deliver offer notice",
				logger.String("type", string(e.Type)),
				logger.BookingID(e.BookingID),
				logger.RiderID(e.RiderID),
				logger.Err(err),
			)
		}
	}
}

func isRiderNotice(t events.Type) bool {
	switch t {
	case events.TypeOfferSent, events.TypeOfferExpired, events.TypeOfferWithdrawn:
		return true
	}
	return false
}
