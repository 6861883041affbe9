package events

import (
	"context"

	"github.com/gocomet/courier-dispatch/pkg/logger"
)

// LogPublisher writes every event to the structured log
type LogPublisher struct {
	logger *logger.Logger
}

// NewLogPublisher creates a log publisher
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("Booking event",
		logger.String("event_id", e.ID),
		logger.String("type", string(e.Type)),
		logger.BookingID(e.BookingID),
		logger.String("customer_id", e.CustomerID),
		logger.RiderID(e.RiderID),
		logger.Any("data", e.Data),
	)
	return nil
}
