package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gocomet/courier-dispatch/internal/domain/booking"
)

// Schema creates the bookings table. The full aggregate is stored as JSONB with
// the columns used for lookups and reporting pulled out alongside it.
const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id               TEXT PRIMARY KEY,
	delivery_id      TEXT,
	status           TEXT NOT NULL,
	vehicle_type     TEXT NOT NULL,
	customer_user_id TEXT NOT NULL,
	rider_user_id    TEXT,
	payload          JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bookings_delivery_id ON bookings (delivery_id);
CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings (status);
`

// PostgresBookingRepository stores bookings in PostgreSQL
type PostgresBookingRepository struct {
	db *sql.DB
}

// NewPostgresBookingRepository creates a repository on an open pool
func NewPostgresBookingRepository(db *sql.DB) *PostgresBookingRepository {
	return &PostgresBookingRepository{db: db}
}

// Migrate applies Schema
func (r *PostgresBookingRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate bookings schema: %w", err)
	}
	return nil
}

// Load implements booking.Repository
func (r *PostgresBookingRepository) Load(ctx context.Context, id string) (*booking.Booking, error) {
	return r.loadWhere(ctx, `SELECT payload FROM bookings WHERE id = $1`, id)
}

// LoadByDeliveryID implements booking.Repository
func (r *PostgresBookingRepository) LoadByDeliveryID(ctx context.Context, deliveryID string) (*booking.Booking, error) {
	return r.loadWhere(ctx, `SELECT payload FROM bookings WHERE delivery_id = $1 ORDER BY created_at DESC LIMIT 1`, deliveryID)
}

// ListByStatus implements booking.Repository
func (r *PostgresBookingRepository) ListByStatus(ctx context.Context, status booking.Status) ([]*booking.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM bookings WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var out []*booking.Booking
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		var b booking.Booking
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("failed to decode booking: %w", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return out, nil
}

func (r *PostgresBookingRepository) loadWhere(ctx context.Context, query, arg string) (*booking.Booking, error) {
	var payload []byte
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, booking.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}

	var b booking.Booking
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("failed to decode booking: %w", err)
	}
	return &b, nil
}

// Save implements booking.Repository
func (r *PostgresBookingRepository) Save(ctx context.Context, b *booking.Booking) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode booking: %w", err)
	}

	var riderID sql.NullString
	if b.Rider != nil {
		riderID = sql.NullString{String: b.Rider.UserID, Valid: true}
	}
	deliveryID := sql.NullString{String: b.DeliveryID, Valid: b.DeliveryID != ""}

	query := `
		INSERT INTO bookings (id, delivery_id, status, vehicle_type, customer_user_id, rider_user_id, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			delivery_id = EXCLUDED.delivery_id,
			status = EXCLUDED.status,
			vehicle_type = EXCLUDED.vehicle_type,
			rider_user_id = EXCLUDED.rider_user_id,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		b.ID, deliveryID, string(b.Status), string(b.VehicleType), b.Customer.UserID,
		riderID, payload, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}
