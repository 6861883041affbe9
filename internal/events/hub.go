package events

import (
	"context"
)

// Broadcaster is the subset of the websocket hub used to reach customers
type Broadcaster interface {
	SendToBookingAudience(bookingID, userID string, message interface{})
}

// HubPublisher pushes events to the booking's customer and to any client
// subscribed to the booking. Rider-facing offers travel over the rider's
// presence session instead.
type HubPublisher struct {
	hub Broadcaster
}

// NewHubPublisher creates a hub publisher
func NewHubPublisher(hub Broadcaster) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Publish implements Publisher
func (p *HubPublisher) Publish(_ context.Context, e Event) error {
	p.hub.SendToBookingAudience(e.BookingID, e.CustomerID, e)
	return nil
}
