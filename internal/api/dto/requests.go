package dto

import (
	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
)

// LocationRequest is a coordinate pair on the wire
type LocationRequest struct {
	Lat *float64 `json:"lat" binding:"required,latitude"`
	Lng *float64 `json:"lng" binding:"required,longitude"`
}

// StopRequest is a pickup or dropoff point
type StopRequest struct {
	Sequence int             `json:"sequence" binding:"min=0"`
	Geo      LocationRequest `json:"geo" binding:"required"`
	Address  *string         `json:"address,omitempty"`
}

// CustomerRequest identifies who is booking
type CustomerRequest struct {
	UserID string `json:"customer_user_id" binding:"required"`
	Name   string `json:"customer_name"`
	Phone  string `json:"customer_phone"`
}

// CreateBookingRequest represents a request to create a new booking
type CreateBookingRequest struct {
	DeliveryID  string          `json:"delivery_id" binding:"required"`
	VehicleType string          `json:"vehicle_type" binding:"required,vehicle_type"`
	Pickup      StopRequest     `json:"pickup" binding:"required"`
	Dropoffs    []StopRequest   `json:"dropoffs" binding:"required,min=1,dive"`
	Customer    CustomerRequest `json:"customer" binding:"required"`
	Metadata    map[string]any  `json:"metadata"`
}

// EditBookingRequest is a partial update of a booking
type EditBookingRequest struct {
	Pickup   *StopRequest   `json:"pickup"`
	Dropoffs []StopRequest  `json:"dropoffs" binding:"omitempty,min=1,dive"`
	Metadata map[string]any `json:"metadata"`
}

// CancelBookingRequest represents a cancellation
type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

// RespondRequest represents a rider accepting or declining an offer
type RespondRequest struct {
	RiderID string `json:"rider_id" binding:"required"`
	Accept  *bool  `json:"accept" binding:"required"`
}

// ProgressRequest moves a booking to the next fulfilment stage
type ProgressRequest struct {
	Stage string `json:"stage" binding:"required,oneof=en_route arrived_pickup picked_up en_route_dropoff delivered"`
}

// RiderOnlineRequest is sent by a rider going online over the websocket
type RiderOnlineRequest struct {
	Name     string           `json:"name"`
	Vehicle  string           `json:"vehicle" binding:"required,vehicle_type"`
	Phone    string           `json:"phone"`
	Rating   *float64         `json:"rating,omitempty"`
	Location *LocationRequest `json:"location,omitempty"`
}

// OfferResponseMessage is a rider's answer to an offer over the websocket
type OfferResponseMessage struct {
	Accept bool `json:"accept"`
}

// ToLocation converts a validated request location
func (l LocationRequest) ToLocation() rider.Location {
	var loc rider.Location
	if l.Lat != nil {
		loc.Latitude = *l.Lat
	}
	if l.Lng != nil {
		loc.Longitude = *l.Lng
	}
	return loc
}

// ToStop converts a stop request
func (s StopRequest) ToStop() booking.Stop {
	return booking.Stop{Sequence: s.Sequence, Geo: s.Geo.ToLocation(), Address: s.Address}
}

func toStops(in []StopRequest) []booking.Stop {
	if in == nil {
		return nil
	}
	out := make([]booking.Stop, len(in))
	for i, s := range in {
		out[i] = s.ToStop()
	}
	return out
}

// ToParams converts the request into booking creation parameters
func (r CreateBookingRequest) ToParams() booking.NewParams {
	return booking.NewParams{
		DeliveryID:  r.DeliveryID,
		VehicleType: rider.VehicleType(r.VehicleType),
		Pickup:      r.Pickup.ToStop(),
		Dropoffs:    toStops(r.Dropoffs),
		Customer: booking.Customer{
			UserID: r.Customer.UserID,
			Name:   r.Customer.Name,
			Phone:  r.Customer.Phone,
		},
		Metadata: r.Metadata,
	}
}

// ToEdit converts the request into a booking edit
func (r EditBookingRequest) ToEdit() booking.Edit {
	e := booking.Edit{Dropoffs: toStops(r.Dropoffs), Metadata: r.Metadata}
	if r.Pickup != nil {
		s := r.Pickup.ToStop()
		e.Pickup = &s
	}
	return e
}

// ToInfo converts the online request into a rider profile
func (r RiderOnlineRequest) ToInfo(riderID string) rider.Info {
	return rider.Info{
		UserID:  riderID,
		Name:    r.Name,
		Vehicle: rider.VehicleType(r.Vehicle),
		Phone:   r.Phone,
		Rating:  r.Rating,
	}
}
