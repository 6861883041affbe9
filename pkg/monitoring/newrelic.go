package monitoring

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"
)

// Config holds New Relic configuration
type Config struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

// NewRelicApp wraps the New Relic application. A nil or disabled app accepts
// every call and records nothing.
type NewRelicApp struct {
	*newrelic.Application
	enabled bool
}

// New creates a new New Relic application
func New(cfg Config) (*NewRelicApp, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return &NewRelicApp{nil, false}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	return &NewRelicApp{app, true}, nil
}

func (nr *NewRelicApp) active() bool {
	return nr != nil && nr.enabled && nr.Application != nil
}

// StartTransaction starts a new transaction
func (nr *NewRelicApp) StartTransaction(name string) *newrelic.Transaction {
	if !nr.active() {
		return nil
	}
	return nr.Application.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (nr *NewRelicApp) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if !nr.active() {
		return
	}
	nr.Application.RecordCustomEvent(eventType, params)
}

// RecordCustomMetric records a custom metric
func (nr *NewRelicApp) RecordCustomMetric(name string, value float64) {
	if !nr.active() {
		return
	}
	nr.Application.RecordCustomMetric(name, value)
}

// Shutdown gracefully shuts down the New Relic application
func (nr *NewRelicApp) Shutdown(timeout time.Duration) {
	if !nr.active() {
		return
	}
	nr.Application.Shutdown(timeout)
}

// Custom metric helpers

// RecordBookingCreated records booking creation
func (nr *NewRelicApp) RecordBookingCreated(vehicleType string) {
	nr.RecordCustomEvent("BookingCreated", map[string]interface{}{
		"vehicle_type": vehicleType,
		"timestamp":    time.Now().Unix(),
	})
}

// RecordBookingCompleted records a delivered booking and its wait times
func (nr *NewRelicApp) RecordBookingCompleted(bookingID string, pickupWaitSec, dropoffWaitSec int64) {
	nr.RecordCustomEvent("BookingCompleted", map[string]interface{}{
		"booking_id":       bookingID,
		"pickup_wait_sec":  pickupWaitSec,
		"dropoff_wait_sec": dropoffWaitSec,
	})
}

// RecordBookingCancelled records a cancellation
func (nr *NewRelicApp) RecordBookingCancelled(bookingID, fromStatus string) {
	nr.RecordCustomEvent("BookingCancelled", map[string]interface{}{
		"booking_id":  bookingID,
		"from_status": fromStatus,
	})
}

// RecordMatchingFailed records a matching pass that found nobody to offer to
func (nr *NewRelicApp) RecordMatchingFailed(bookingID, reason string, attempted int) {
	nr.RecordCustomEvent("MatchingFailed", map[string]interface{}{
		"booking_id": bookingID,
		"reason":     reason,
		"attempted":  attempted,
	})
}

// RecordLocationUpdate records a rider location ping
func (nr *NewRelicApp) RecordLocationUpdate() {
	nr.RecordCustomMetric("custom/rider/location_update", 1)
}

// RecordRidersOnline records the size of the presence registry
func (nr *NewRelicApp) RecordRidersOnline(count int) {
	nr.RecordCustomMetric("custom/rider/online", float64(count))
}

// RecordDatabasePoolStats records database connection pool statistics
func (nr *NewRelicApp) RecordDatabasePoolStats(stats sql.DBStats) {
	nr.RecordCustomMetric("custom/db/open_connections", float64(stats.OpenConnections))
	nr.RecordCustomMetric("custom/db/idle_connections", float64(stats.Idle))
	nr.RecordCustomMetric("custom/db/in_use_connections", float64(stats.InUse))
}

// RecordRedisPoolStats records Redis pool statistics
func (nr *NewRelicApp) RecordRedisPoolStats(stats *redis.PoolStats) {
	if stats == nil {
		return
	}
	nr.RecordCustomMetric("custom/redis/cache_hits", float64(stats.Hits))
	nr.RecordCustomMetric("custom/redis/cache_misses", float64(stats.Misses))
	nr.RecordCustomMetric("custom/redis/timeouts", float64(stats.Timeouts))
	nr.RecordCustomMetric("custom/redis/total_connections", float64(stats.TotalConns))
}

// IsEnabled returns whether New Relic is enabled
func (nr *NewRelicApp) IsEnabled() bool {
	return nr.active()
}
