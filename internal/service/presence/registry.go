package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	"github.com/gocomet/courier-dispatch/internal/observability"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"golang.org/x/time/rate"
)

var (
	ErrNotOnline = errors.New("rider is not online")
	ErrThrottled = errors.New("location updates throttled")
)

// Session is the channel an online rider receives offers on
type Session interface {
	SessionID() string
	Deliver(msg any) error
}

// Entry is the presence record of a reachable rider
type Entry struct {
	RiderID     string
	Session     Session
	Profile     rider.Info
	Location    *rider.Location
	OnlineSince time.Time
	UpdatedAt   time.Time
}

// VehicleType returns the vehicle the rider went online with
func (e Entry) VehicleType() rider.VehicleType {
	return e.Profile.Vehicle
}

// Config holds registry configuration
type Config struct {
	// LocationRate is the sustained number of location pings accepted per rider per second
	LocationRate  float64
	LocationBurst int
}

type entry struct {
	Entry
	limiter *rate.Limiter
}

// Registry tracks online riders. Reads run concurrently; writes are serialized.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *logger.Logger
	config  Config
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger, cfg Config) *Registry {
	if cfg.LocationBurst <= 0 {
		cfg.LocationBurst = 1
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  log,
		config:  cfg,
		now:     time.Now,
	}
}

// MarkOnline registers or replaces the rider's presence entry
func (r *Registry) MarkOnline(riderID string, session Session, profile rider.Info, loc *rider.Location) error {
	if riderID == "" {
		return rider.ErrInvalidRiderID
	}
	if !profile.Vehicle.IsValid() {
		return rider.ErrInvalidVehicleType
	}
	if loc != nil && !loc.IsValid() {
		return rider.ErrInvalidLocation
	}
	profile.UserID = riderID

	now := r.now()
	e := &entry{
		Entry: Entry{
			RiderID:     riderID,
			Session:     session,
			Profile:     profile,
			Location:    copyLocation(loc),
			OnlineSince: now,
			UpdatedAt:   now,
		},
		limiter: r.newLimiter(),
	}

	r.mu.Lock()
	prev, replaced := r.entries[riderID]
	r.entries[riderID] = e
	count := len(r.entries)
	r.mu.Unlock()

	observability.RidersOnline.Set(float64(count))

	fields := []logger.Field{
		logger.RiderID(riderID),
		logger.String("vehicle_type", string(profile.Vehicle)),
	}
	if session != nil {
		fields = append(fields, logger.String("session_id", session.SessionID()))
	}
	if replaced && prev.Session != nil && session != nil && prev.Session.SessionID() != session.SessionID() {
		fields = append(fields, logger.String("replaced_session_id", prev.Session.SessionID()))
	}
	r.logger.Info("Rider online", fields...)
	return nil
}

// MarkOffline removes the rider. Returns false if the rider was not online.
func (r *Registry) MarkOffline(riderID string) bool {
	r.mu.Lock()
	_, ok := r.entries[riderID]
	delete(r.entries, riderID)
	count := len(r.entries)
	r.mu.Unlock()

	if ok {
		observability.RidersOnline.Set(float64(count))
		r.logger.Info("Rider offline", logger.RiderID(riderID))
	}
	return ok
}

// RemoveSession removes the rider only if it is still bound to sessionID, so a
// disconnect of a superseded session leaves a reconnected rider in place.
func (r *Registry) RemoveSession(riderID, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.entries[riderID]
	if ok && (e.Session == nil || e.Session.SessionID() != sessionID) {
		ok = false
	}
	if ok {
		delete(r.entries, riderID)
	}
	count := len(r.entries)
	r.mu.Unlock()

	if ok {
		observability.RidersOnline.Set(float64(count))
		r.logger.Info("Rider session disconnected",
			logger.RiderID(riderID),
			logger.String("session_id", sessionID),
		)
	}
	return ok
}

// UpdateLocation records a location ping for an online rider
func (r *Registry) UpdateLocation(riderID string, loc rider.Location) error {
	if !loc.IsValid() {
		return rider.ErrInvalidLocation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[riderID]
	if !ok {
		return ErrNotOnline
	}
	now := r.now()
	if e.limiter != nil && !e.limiter.AllowN(now, 1) {
		return ErrThrottled
	}
	e.Location = &loc
	e.UpdatedAt = now
	return nil
}

// IsOnline reports whether the rider is currently reachable
func (r *Registry) IsOnline(riderID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[riderID]
	return ok
}

// ListOnline returns the IDs of all online riders in sorted order
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Get returns a copy of the rider's entry
func (r *Registry) Get(riderID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[riderID]
	if !ok {
		return Entry{}, false
	}
	return e.copy(), true
}

// Snapshot returns copies of all entries sorted by rider ID
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.copy())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RiderID < out[j].RiderID })
	return out
}

// Count returns the number of online riders
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Deliver sends msg over the rider's current session
func (r *Registry) Deliver(riderID string, msg any) error {
	r.mu.RLock()
	e, ok := r.entries[riderID]
	var session Session
	if ok {
		session = e.Session
	}
	r.mu.RUnlock()

	if session == nil {
		return ErrNotOnline
	}
	return session.Deliver(msg)
}

func (r *Registry) newLimiter() *rate.Limiter {
	if r.config.LocationRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r.config.LocationRate), r.config.LocationBurst)
}

func (e *entry) copy() Entry {
	out := e.Entry
	out.Location = copyLocation(e.Location)
	return out
}

func copyLocation(loc *rider.Location) *rider.Location {
	if loc == nil {
		return nil
	}
	v := *loc
	return &v
}
