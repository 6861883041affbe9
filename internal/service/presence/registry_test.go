package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id  string
	mu  sync.Mutex
	got []any
	err error
}

func (s *fakeSession) SessionID() string { return s.id }

func (s *fakeSession) Deliver(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, msg)
	return nil
}

func profile() rider.Info {
	return rider.Info{Name: "Chanda", Vehicle: rider.VehicleBicycle, Phone: "+260971111111"}
}

func newTestRegistry(cfg Config) (*Registry, *time.Time) {
	r := NewRegistry(logger.NewNop(), cfg)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_MarkOnlineOffline(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	loc := &rider.Location{Latitude: -15.4, Longitude: 28.3}

	require.NoError(t, r.MarkOnline("r1", &fakeSession{id: "s1"}, profile(), loc))
	require.NoError(t, r.MarkOnline("r2", &fakeSession{id: "s2"}, profile(), nil))

	assert.True(t, r.IsOnline("r1"))
	assert.Equal(t, []string{"r1", "r2"}, r.ListOnline())
	assert.Equal(t, 2, r.Count())

	e, ok := r.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", e.Profile.UserID)
	assert.Equal(t, rider.VehicleBicycle, e.VehicleType())
	assert.Equal(t, *loc, *e.Location)

	// Returned entries do not alias registry state.
	e.Location.Latitude = 0
	again, _ := r.Get("r1")
	assert.Equal(t, -15.4, again.Location.Latitude)

	assert.True(t, r.MarkOffline("r1"))
	assert.False(t, r.MarkOffline("r1"))
	assert.False(t, r.IsOnline("r1"))
	assert.Equal(t, []string{"r2"}, r.ListOnline())
}

func TestRegistry_MarkOnlineValidation(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	assert.ErrorIs(t, r.MarkOnline("", nil, profile(), nil), rider.ErrInvalidRiderID)

	bad := profile()
	bad.Vehicle = "hovercraft"
	assert.ErrorIs(t, r.MarkOnline("r1", nil, bad, nil), rider.ErrInvalidVehicleType)

	assert.ErrorIs(t, r.MarkOnline("r1", nil, profile(), &rider.Location{Latitude: 100}), rider.ErrInvalidLocation)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RemoveSessionIgnoresSupersededSession(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	require.NoError(t, r.MarkOnline("r1", &fakeSession{id: "old"}, profile(), nil))
	require.NoError(t, r.MarkOnline("r1", &fakeSession{id: "new"}, profile(), nil))

	assert.False(t, r.RemoveSession("r1", "old"))
	assert.True(t, r.IsOnline("r1"))

	assert.True(t, r.RemoveSession("r1", "new"))
	assert.False(t, r.IsOnline("r1"))
}

func TestRegistry_UpdateLocation(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	// Stale ping after disconnect is a no-op.
	err := r.UpdateLocation("ghost", rider.Location{Latitude: 1, Longitude: 1})
	assert.ErrorIs(t, err, ErrNotOnline)
	assert.False(t, r.IsOnline("ghost"))

	require.NoError(t, r.MarkOnline("r1", &fakeSession{id: "s1"}, profile(), nil))
	require.NoError(t, r.UpdateLocation("r1", rider.Location{Latitude: 1, Longitude: 2}))

	e, _ := r.Get("r1")
	require.NotNil(t, e.Location)
	assert.Equal(t, rider.Location{Latitude: 1, Longitude: 2}, *e.Location)

	assert.ErrorIs(t, r.UpdateLocation("r1", rider.Location{Latitude: -91}), rider.ErrInvalidLocation)
}

func TestRegistry_UpdateLocationThrottled(t *testing.T) {
	r, now := newTestRegistry(Config{LocationRate: 1, LocationBurst: 1})
	require.NoError(t, r.MarkOnline("r1", &fakeSession{id: "s1"}, profile(), nil))

	require.NoError(t, r.UpdateLocation("r1", rider.Location{Latitude: 1, Longitude: 1}))
	assert.ErrorIs(t, r.UpdateLocation("r1", rider.Location{Latitude: 2, Longitude: 2}), ErrThrottled)

	e, _ := r.Get("r1")
	assert.Equal(t, 1.0, e.Location.Latitude)

	*now = now.Add(time.Second)
	assert.NoError(t, r.UpdateLocation("r1", rider.Location{Latitude: 3, Longitude: 3}))
}

func TestRegistry_Deliver(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := &fakeSession{id: "s1"}
	require.NoError(t, r.MarkOnline("r1", s, profile(), nil))

	require.NoError(t, r.Deliver("r1", "offer"))
	assert.Equal(t, []any{"offer"}, s.got)

	assert.ErrorIs(t, r.Deliver("r2", "offer"), ErrNotOnline)

	s.err = errors.New("buffer full")
	assert.EqualError(t, r.Deliver("r1", "offer"), "buffer full")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(logger.NewNop(), Config{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			_ = r.MarkOnline(id, &fakeSession{id: id}, profile(), nil)
			_ = r.UpdateLocation(id, rider.Location{Latitude: 1, Longitude: 1})
			_ = r.Snapshot()
			if i%2 == 0 {
				r.MarkOffline(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.Count())
	assert.Len(t, r.Snapshot(), 25)
}
