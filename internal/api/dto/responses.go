package dto

import (
	"time"

	"github.com/gocomet/courier-dispatch/internal/service/presence"
)

// OnlineRiderResponse describes an online rider
type OnlineRiderResponse struct {
	RiderID     string    `json:"rider_id"`
	Vehicle     string    `json:"vehicle"`
	Lat         *float64  `json:"lat,omitempty"`
	Lng         *float64  `json:"lng,omitempty"`
	OnlineSince time.Time `json:"online_since"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewOnlineRiderResponse converts a presence entry
func NewOnlineRiderResponse(e presence.Entry) OnlineRiderResponse {
	out := OnlineRiderResponse{
		RiderID:     e.RiderID,
		Vehicle:     string(e.VehicleType()),
		OnlineSince: e.OnlineSince,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Location != nil {
		lat, lng := e.Location.Latitude, e.Location.Longitude
		out.Lat, out.Lng = &lat, &lng
	}
	return out
}

// Error response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
