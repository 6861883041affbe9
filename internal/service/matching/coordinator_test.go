package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	"github.com/gocomet/courier-dispatch/internal/events"
	"github.com/gocomet/courier-dispatch/internal/repository"
	"github.com/gocomet/courier-dispatch/internal/service/presence"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock fires timers only when advanced
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers outside the clock lock
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type fakeSession struct {
	id string
	mu sync.Mutex
	in []events.Event
}

func (s *fakeSession) SessionID() string { return s.id }

func (s *fakeSession) Deliver(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in = append(s.in, msg.(events.Event))
	return nil
}

func (s *fakeSession) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.in))
	for i, e := range s.in {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	clock    *fakeClock
	repo     *repository.MemoryBookingRepository
	registry *presence.Registry
	recorder *events.Recorder
	coord    *Coordinator
	sessions map[string]*fakeSession
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		repo:     repository.NewMemoryBookingRepository(),
		registry: presence.NewRegistry(logger.NewNop(), presence.Config{}),
		recorder: &events.Recorder{},
		sessions: make(map[string]*fakeSession),
	}
	selector := NewNearestSelector(SelectorConfig{MaxRadiusKM: 5, MaxExpandedRadiusKM: 50}, nil)
	h.coord = NewCoordinator(h.repo, h.registry, h.recorder, selector, h.clock, logger.NewNop(), cfg)
	return h
}

// online registers a motorbike rider at the given distance north of the pickup
func (h *harness) online(t *testing.T, id string, degreesNorth float64) {
	t.Helper()
	s := &fakeSession{id: "sess-" + id}
	h.sessions[id] = s
	loc := &rider.Location{Latitude: -15.40 + degreesNorth, Longitude: 28.28}
	require.NoError(t, h.registry.MarkOnline(id, s, rider.Info{Name: "Rider " + id, Vehicle: rider.VehicleMotorbike}, loc))
}

func (h *harness) create(t *testing.T) *booking.Booking {
	t.Helper()
	b, err := booking.New(booking.NewParams{
		VehicleType: rider.VehicleMotorbike,
		Pickup:      booking.Stop{Geo: rider.Location{Latitude: -15.40, Longitude: 28.28}},
		Dropoffs:    []booking.Stop{{Sequence: 1, Geo: rider.Location{Latitude: -15.45, Longitude: 28.30}}},
		Customer:    booking.Customer{UserID: "cust_1"},
	}, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.repo.Save(context.Background(), b))
	return b
}

func (h *harness) load(t *testing.T, id string) *booking.Booking {
	t.Helper()
	b, err := h.repo.Load(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestCoordinator_OffersNearestAndAccepts(t *testing.T) {
	h := newHarness(t, Config{OfferTTL: 45 * time.Second})
	h.online(t, "far", 0.03)
	h.online(t, "near", 0.01)
	ctx := context.Background()
	b := h.create(t)

	got, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusOffered, got.Status)
	assert.Equal(t, []string{"near"}, got.Offer.OfferedTo)
	assert.Equal(t, []events.Type{events.TypeOfferSent}, h.sessions["near"].types())
	assert.Equal(t, 1, h.coord.armedTimers())

	accepted, err := h.coord.Respond(ctx, b.ID, "near", true)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.Rider)
	assert.Equal(t, "near", accepted.Rider.UserID)
	assert.Equal(t, "Rider near", accepted.Rider.Name)
	assert.Nil(t, accepted.Offer.ExpiresAt)
	assert.Equal(t, 0, h.coord.armedTimers())

	assert.Equal(t, []events.Type{
		events.TypeMatchingInProgress,
		events.TypeOfferSent,
		events.TypeAccepted,
	}, h.recorder.Types())

	// The stale timer never fires once the round resolved.
	h.clock.Advance(time.Minute)
	assert.Equal(t, booking.StatusAccepted, h.load(t, b.ID).Status)
}

func TestCoordinator_DeclineMovesToNextCandidate(t *testing.T) {
	h := newHarness(t, Config{})
	h.online(t, "r1", 0.01)
	h.online(t, "r2", 0.02)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)

	got, err := h.coord.Respond(ctx, b.ID, "r1", false)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusOffered, got.Status)
	assert.Equal(t, []string{"r1", "r2"}, got.Offer.OfferedTo)
	assert.Equal(t, 2, got.Offer.Round)

	// r1 declined and is never offered again; r2 declining exhausts the pool.
	got, err = h.coord.Respond(ctx, b.ID, "r2", false)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusSearching, got.Status)
	assert.Nil(t, got.Offer.ExpiresAt)
	assert.Equal(t, []string{"r1", "r2"}, got.Offer.OfferedTo)

	evs := h.recorder.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeMatchingFailed, last.Type)
	assert.Equal(t, events.ReasonExhausted, last.Data.(events.MatchingFailedData).Reason)

	// A decliner answering again is told the offer is gone.
	_, err = h.coord.Respond(ctx, b.ID, "r1", true)
	assert.ErrorIs(t, err, booking.ErrOfferExpired)
}

func TestCoordinator_NoCandidates(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	b := h.create(t)

	got, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusSearching, got.Status)

	types := h.recorder.Types()
	require.Len(t, types, 2)
	assert.Equal(t, events.TypeMatchingFailed, types[1])
	assert.Equal(t, events.ReasonNoCandidates, h.recorder.Events()[1].Data.(events.MatchingFailedData).Reason)

	// Starting twice is illegal; retrying once a rider is online is not.
	_, err = h.coord.BeginMatching(ctx, b.ID)
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)

	h.online(t, "r1", 0.01)
	got, err = h.coord.Retry(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusOffered, got.Status)

	_, err = h.coord.Retry(ctx, b.ID)
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
}

func TestCoordinator_ExpiryOffersNextCandidate(t *testing.T) {
	h := newHarness(t, Config{OfferTTL: 30 * time.Second})
	h.online(t, "r1", 0.01)
	h.online(t, "r2", 0.02)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)

	h.clock.Advance(29 * time.Second)
	assert.Equal(t, []string{"r1"}, h.load(t, b.ID).Offer.OfferedTo)

	h.clock.Advance(time.Second)
	got := h.load(t, b.ID)
	assert.Equal(t, booking.StatusOffered, got.Status)
	assert.Equal(t, []string{"r1", "r2"}, got.Offer.OfferedTo)
	assert.Equal(t, []events.Type{events.TypeOfferSent, events.TypeOfferExpired}, h.sessions["r1"].types())

	// Late accept from r1 is rejected.
	_, err = h.coord.Respond(ctx, b.ID, "r1", true)
	assert.ErrorIs(t, err, booking.ErrOfferExpired)

	h.clock.Advance(30 * time.Second)
	got = h.load(t, b.ID)
	assert.Equal(t, booking.StatusSearching, got.Status)
	assert.Equal(t, 0, h.coord.armedTimers())

	types := h.recorder.Types()
	assert.Equal(t, events.TypeMatchingFailed, types[len(types)-1])
}

func TestCoordinator_LateAcceptBeforeTimerFires(t *testing.T) {
	h := newHarness(t, Config{OfferTTL: 30 * time.Second})
	h.online(t, "r1", 0.01)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)

	// Move the clock without firing timers, as if the callback were delayed.
	h.clock.mu.Lock()
	h.clock.now = h.clock.now.Add(31 * time.Second)
	h.clock.mu.Unlock()

	got, err := h.coord.Respond(ctx, b.ID, "r1", true)
	assert.ErrorIs(t, err, booking.ErrOfferExpired)
	require.NotNil(t, got)
	assert.Equal(t, booking.StatusSearching, got.Status)
	assert.Nil(t, got.Rider)
	assert.Equal(t, booking.StatusSearching, h.load(t, b.ID).Status)
	assert.Equal(t, 0, h.coord.armedTimers())
}

func TestCoordinator_RespondErrors(t *testing.T) {
	h := newHarness(t, Config{})
	h.online(t, "r1", 0.01)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.Respond(ctx, "bkg_missing", "r1", true)
	assert.ErrorIs(t, err, booking.ErrBookingNotFound)

	_, err = h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)

	_, err = h.coord.Respond(ctx, b.ID, "stranger", true)
	assert.ErrorIs(t, err, booking.ErrRiderNotOffered)

	_, err = h.coord.Respond(ctx, b.ID, "r1", true)
	require.NoError(t, err)

	// Accepting twice is an illegal transition, not a stale offer.
	_, err = h.coord.Respond(ctx, b.ID, "r1", true)
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
}

func TestCoordinator_CancelWithdrawsOffer(t *testing.T) {
	h := newHarness(t, Config{})
	h.online(t, "r1", 0.01)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)

	got, err := h.coord.Cancel(ctx, b.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, got.Status)
	assert.Equal(t, 0, h.coord.armedTimers())
	assert.Equal(t, []events.Type{events.TypeOfferSent, events.TypeOfferWithdrawn}, h.sessions["r1"].types())

	_, err = h.coord.Respond(ctx, b.ID, "r1", true)
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)

	_, err = h.coord.Cancel(ctx, b.ID, "again")
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)

	h.clock.Advance(time.Hour)
	assert.Equal(t, booking.StatusCancelled, h.load(t, b.ID).Status)
}

func TestCoordinator_MaxOfferRounds(t *testing.T) {
	h := newHarness(t, Config{MaxOfferRounds: 1})
	h.online(t, "r1", 0.01)
	h.online(t, "r2", 0.02)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)

	got, err := h.coord.Respond(ctx, b.ID, "r1", false)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusSearching, got.Status)
	assert.Equal(t, []string{"r1"}, got.Offer.OfferedTo)
}

func TestCoordinator_UpdateSavesOnlyOnSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	b := h.create(t)

	boom := errors.New("boom")
	_, err := h.coord.Update(ctx, b.ID, func(b *booking.Booking, now time.Time) ([]events.Event, error) {
		b.Metadata["touched"] = true
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	_, touched := h.load(t, b.ID).Metadata["touched"]
	assert.False(t, touched)

	got, err := h.coord.Update(ctx, b.ID, func(b *booking.Booking, now time.Time) ([]events.Event, error) {
		return []events.Event{events.New(events.TypeUpdated, b, now, nil)}, b.EditDetails(booking.Edit{Metadata: map[string]any{"floor": 3}}, now)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Metadata["floor"])
	assert.Equal(t, []events.Type{events.TypeUpdated}, h.recorder.Types())
}

func TestCoordinator_ViewNeverSaves(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	b := h.create(t)

	got, err := h.coord.View(ctx, b.ID, func(b *booking.Booking, now time.Time) ([]events.Event, error) {
		b.Metadata["peeked"] = true
		return []events.Event{events.New(events.TypeUpdated, b, now, nil)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	_, peeked := h.load(t, b.ID).Metadata["peeked"]
	assert.False(t, peeked)
	assert.Equal(t, []events.Type{events.TypeUpdated}, h.recorder.Types())

	_, err = h.coord.View(ctx, "bkg_missing", func(*booking.Booking, time.Time) ([]events.Event, error) { return nil, nil })
	assert.ErrorIs(t, err, booking.ErrBookingNotFound)
}

// Accept and expiry racing on the same round resolve to exactly one outcome.
func TestCoordinator_AcceptExpiryRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t, Config{OfferTTL: 10 * time.Second})
		h.online(t, "r1", 0.01)
		ctx := context.Background()
		b := h.create(t)

		_, err := h.coord.BeginMatching(ctx, b.ID)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			acceptErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = h.coord.Respond(ctx, b.ID, "r1", true)
		}()
		go func() {
			defer wg.Done()
			h.clock.Advance(10 * time.Second)
		}()
		wg.Wait()

		final := h.load(t, b.ID)
		switch {
		case acceptErr == nil:
			assert.Equal(t, booking.StatusAccepted, final.Status)
			require.NotNil(t, final.Rider)
		case errors.Is(acceptErr, booking.ErrOfferExpired):
			assert.Equal(t, booking.StatusSearching, final.Status)
			assert.Nil(t, final.Rider)
		default:
			t.Fatalf("unexpected accept error: %v", acceptErr)
		}
		assert.Nil(t, final.Offer.ExpiresAt)
		assert.Equal(t, 0, h.coord.armedTimers())
		assert.Equal(t, 0, h.coord.locks.size())
	}
}

func TestCoordinator_ParallelBookings(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 5; i++ {
		h.online(t, string(rune('a'+i)), 0.01*float64(i+1))
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = h.create(t).ID
	}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.coord.BeginMatching(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, booking.StatusOffered, h.load(t, id).Status)
	}
	assert.Equal(t, len(ids), h.coord.armedTimers())
	h.coord.Stop()
	assert.Equal(t, 0, h.coord.armedTimers())
}

// flakyRepo fails the next failSaves saves
type flakyRepo struct {
	*repository.MemoryBookingRepository
	mu        sync.Mutex
	failSaves int
}

func (f *flakyRepo) Save(ctx context.Context, b *booking.Booking) error {
	f.mu.Lock()
	fail := f.failSaves > 0
	if fail {
		f.failSaves--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.MemoryBookingRepository.Save(ctx, b)
}

func TestCoordinator_ExpiryRetriedAfterFailedSave(t *testing.T) {
	h := newHarness(t, Config{})
	flaky := &flakyRepo{MemoryBookingRepository: h.repo}
	cfg := Config{OfferTTL: 10 * time.Second, ExpiryRetry: 2 * time.Second}
	h.coord = NewCoordinator(flaky, h.registry, h.recorder, nil, h.clock, logger.NewNop(), cfg)
	h.online(t, "r1", 0.01)
	h.online(t, "r2", 0.02)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)

	flaky.mu.Lock()
	flaky.failSaves = 1
	flaky.mu.Unlock()

	h.clock.Advance(10 * time.Second)
	got := h.load(t, b.ID)
	assert.Equal(t, booking.StatusOffered, got.Status)
	assert.Equal(t, 1, got.Offer.Round)
	assert.Equal(t, 1, h.coord.armedTimers())
	// Nothing was committed, so nothing was announced.
	assert.Equal(t, []events.Type{events.TypeOfferSent}, h.sessions["r1"].types())

	h.clock.Advance(2 * time.Second)
	got = h.load(t, b.ID)
	assert.Equal(t, booking.StatusOffered, got.Status)
	assert.Equal(t, 2, got.Offer.Round)
	assert.Equal(t, []string{"r1", "r2"}, got.Offer.OfferedTo)
	assert.Equal(t, 1, h.coord.armedTimers())
	assert.Equal(t, []events.Type{events.TypeOfferSent, events.TypeOfferExpired}, h.sessions["r1"].types())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, booking.StatusSearching, h.load(t, b.ID).Status)
	assert.Equal(t, 0, h.coord.armedTimers())
}

func TestCoordinator_SupersededRoundTimerIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.online(t, "r1", 0.01)
	h.online(t, "r2", 0.02)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.coord.BeginMatching(ctx, b.ID)
	require.NoError(t, err)
	_, err = h.coord.Respond(ctx, b.ID, "r1", false)
	require.NoError(t, err)
	before := len(h.recorder.Events())

	// The round 1 callback still runs as if its timer fired late.
	h.coord.expire(b.ID, 1)

	got := h.load(t, b.ID)
	assert.Equal(t, booking.StatusOffered, got.Status)
	assert.Equal(t, 2, got.Offer.Round)
	assert.Equal(t, []string{"r1", "r2"}, got.Offer.OfferedTo)
	assert.Equal(t, 1, h.coord.armedTimers())
	assert.Len(t, h.recorder.Events(), before)
	assert.Equal(t, []events.Type{events.TypeOfferSent}, h.sessions["r2"].types())
}

func TestCoordinator_RecoverArmsStoredOffers(t *testing.T) {
	h := newHarness(t, Config{OfferTTL: 30 * time.Second})
	h.online(t, "r1", 0.01)
	h.online(t, "r2", 0.02)
	ctx := context.Background()
	now := h.clock.Now()

	live := h.create(t)
	require.NoError(t, live.StartSearching(now))
	require.NoError(t, live.OfferToRider("r1", 30*time.Second, now))
	require.NoError(t, h.repo.Save(ctx, live))

	lapsed := h.create(t)
	require.NoError(t, lapsed.StartSearching(now.Add(-time.Minute)))
	require.NoError(t, lapsed.OfferToRider("r1", 30*time.Second, now.Add(-time.Minute)))
	require.NoError(t, h.repo.Save(ctx, lapsed))

	h.create(t) // pending bookings have nothing to recover

	armed, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, armed)
	assert.Equal(t, 2, h.coord.armedTimers())

	h.clock.Advance(0)
	assert.Equal(t, []string{"r1", "r2"}, h.load(t, lapsed.ID).Offer.OfferedTo)
	assert.Equal(t, []string{"r1"}, h.load(t, live.ID).Offer.OfferedTo)

	// Timers this process already tracks are left alone.
	armed, err = h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, armed)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"r1", "r2"}, h.load(t, live.ID).Offer.OfferedTo)
	assert.Equal(t, booking.StatusSearching, h.load(t, lapsed.ID).Status)
}

// A cancel racing an expiry never has offer traffic published after it.
func TestCoordinator_EventsPublishedInCommitOrder(t *testing.T) {
	for i := 0; i < 100; i++ {
		h := newHarness(t, Config{OfferTTL: 10 * time.Second})
		h.online(t, "r1", 0.01)
		h.online(t, "r2", 0.02)
		ctx := context.Background()
		b := h.create(t)

		_, err := h.coord.BeginMatching(ctx, b.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.coord.Cancel(ctx, b.ID, "changed plans")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			h.clock.Advance(10 * time.Second)
		}()
		wg.Wait()

		types := h.recorder.Types()
		cancelledAt := -1
		for j, typ := range types {
			if typ == events.TypeCancelled {
				cancelledAt = j
			}
		}
		require.GreaterOrEqual(t, cancelledAt, 0)
		for _, typ := range types[cancelledAt+1:] {
			assert.Equal(t, events.TypeOfferWithdrawn, typ)
		}
		assert.Equal(t, booking.StatusCancelled, h.load(t, b.ID).Status)
	}
}
