package events

import (
	"context"

	"github.com/gocomet/courier-dispatch/pkg/monitoring"
)

// APMPublisher forwards matching failures to New Relic as custom events
type APMPublisher struct {
	app *monitoring.NewRelicApp
}

// NewAPMPublisher creates an APM publisher. A nil or disabled app records nothing.
func NewAPMPublisher(app *monitoring.NewRelicApp) *APMPublisher {
	return &APMPublisher{app: app}
}

// Publish implements Publisher
func (p *APMPublisher) Publish(_ context.Context, e Event) error {
	if e.Type != TypeMatchingFailed {
		return nil
	}
	if d, ok := e.Data.(MatchingFailedData); ok {
		p.app.RecordMatchingFailed(e.BookingID, d.Reason, d.Attempted)
	}
	return nil
}
