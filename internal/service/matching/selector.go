package matching

import (
	"math"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/service/presence"
)

// Selector picks the next rider to offer a booking to
type Selector interface {
	// Select returns the best candidate, or false if no entry is eligible
	Select(b *booking.Booking, candidates []presence.Entry) (presence.Entry, bool)
}

// ScoreFunc scores a candidate for a booking. Lower scores win; ok=false
// excludes the candidate.
type ScoreFunc func(b *booking.Booking, e presence.Entry) (score float64, ok bool)

// SelectorConfig holds selection configuration
type SelectorConfig struct {
	MaxRadiusKM         float64 // Initial search radius
	MaxExpandedRadiusKM float64 // Largest radius tried before falling back to unlocated riders
}

// NearestSelector picks the closest rider of the booking's vehicle type who has
// not been offered the booking yet. The search starts at MaxRadiusKM and expands
// progressively; riders without a known location are only considered once every
// radius comes up empty.
type NearestSelector struct {
	config SelectorConfig
	score  ScoreFunc
}

// NewNearestSelector creates a selector. A nil score uses pickup distance.
func NewNearestSelector(cfg SelectorConfig, score ScoreFunc) *NearestSelector {
	if cfg.MaxRadiusKM <= 0 {
		cfg.MaxRadiusKM = 5
	}
	if cfg.MaxExpandedRadiusKM < cfg.MaxRadiusKM {
		cfg.MaxExpandedRadiusKM = cfg.MaxRadiusKM
	}
	if score == nil {
		score = PickupDistance
	}
	return &NearestSelector{config: cfg, score: score}
}

// PickupDistance scores a located rider by haversine distance to the pickup
func PickupDistance(b *booking.Booking, e presence.Entry) (float64, bool) {
	if e.Location == nil {
		return 0, false
	}
	return e.Location.DistanceKM(b.Pickup.Geo), true
}

// Select implements Selector
func (s *NearestSelector) Select(b *booking.Booking, candidates []presence.Entry) (presence.Entry, bool) {
	eligible := make([]presence.Entry, 0, len(candidates))
	for _, e := range candidates {
		if e.VehicleType() != b.VehicleType || b.HasBeenOffered(e.RiderID) {
			continue
		}
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		return presence.Entry{}, false
	}

	for _, radius := range s.radii() {
		if best, ok := s.bestWithin(b, eligible, radius); ok {
			return best, true
		}
	}

	// Fall back to riders whose position is unknown, in stable order.
	for _, e := range eligible {
		if e.Location == nil {
			return e, true
		}
	}
	return presence.Entry{}, false
}

func (s *NearestSelector) bestWithin(b *booking.Booking, eligible []presence.Entry, radius float64) (presence.Entry, bool) {
	var (
		best      presence.Entry
		bestScore = math.Inf(1)
		found     bool
	)
	for _, e := range eligible {
		if e.Location == nil || e.Location.DistanceKM(b.Pickup.Geo) > radius {
			continue
		}
		score, ok := s.score(b, e)
		if !ok {
			continue
		}
		if !found || score < bestScore {
			best, bestScore, found = e, score, true
		}
	}
	return best, found
}

// radii returns the initial radius followed by 2x, 4x and 10x expansions that
// fit under the maximum.
func (s *NearestSelector) radii() []float64 {
	out := []float64{s.config.MaxRadiusKM}
	for _, m := range []float64{2, 4, 10} {
		if r := s.config.MaxRadiusKM * m; r <= s.config.MaxExpandedRadiusKM {
			out = append(out, r)
		}
	}
	if last := out[len(out)-1]; last < s.config.MaxExpandedRadiusKM {
		out = append(out, s.config.MaxExpandedRadiusKM)
	}
	return out
}
