package rider

import (
	"math"
)

// VehicleType represents the kind of vehicle a rider delivers with
type VehicleType string

const (
	VehicleMotorbike VehicleType = "motorbike"
	VehicleBicycle   VehicleType = "bicycle"
	VehicleWalking   VehicleType = "walking"
	VehicleTruck     VehicleType = "truck"
)

// IsValid validates the vehicle type
func (v VehicleType) IsValid() bool {
	switch v {
	case VehicleMotorbike, VehicleBicycle, VehicleWalking, VehicleTruck:
		return true
	}
	return false
}

// Location represents a geographic location
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// IsValid reports whether the coordinates are within WGS84 bounds
func (l Location) IsValid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// DistanceKM returns the haversine distance between two locations
func (l Location) DistanceKM(other Location) float64 {
	const earthRadius = 6371 // kilometers

	dLat := toRadians(other.Latitude - l.Latitude)
	dLon := toRadians(other.Longitude - l.Longitude)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(l.Latitude))*math.Cos(toRadians(other.Latitude))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Info is the rider as bound to a booking once an offer is accepted
type Info struct {
	UserID  string      `json:"user_id"`
	Name    string      `json:"name"`
	Vehicle VehicleType `json:"vehicle"`
	Phone   string      `json:"phone"`
	Rating  *float64    `json:"rating,omitempty"`
	ETAMin  *int        `json:"eta_min,omitempty"`
}

// IsValid validates the rider info
func (i *Info) IsValid() error {
	if i.UserID == "" {
		return ErrInvalidRiderID
	}
	if i.Vehicle != "" && !i.Vehicle.IsValid() {
		return ErrInvalidVehicleType
	}
	return nil
}
