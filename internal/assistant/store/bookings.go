package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist for the tenant.
var ErrNotFound = errors.New("record not found")

// Booking is a table reservation record.
type Booking struct {
	ID          string
	TenantID    string
	Customer    string
	PartySize   int
	Status      string
	CreatedAt   time.Time
	CancelledAt *time.Time
}

// Booking statuses.
const (
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
)

// CreateBooking inserts a new confirmed booking.
func (s *Store) CreateBooking(b Booking) error {
	if b.PartySize <= 0 {
		b.PartySize = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO bookings (id, tenant_id, customer, party_size, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.TenantID, b.Customer, b.PartySize, BookingConfirmed, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// GetBooking fetches a booking by ID within a tenant.
func (s *Store) GetBooking(tenantID, id string) (*Booking, error) {
	var b Booking
	err := s.db.QueryRow(`
		SELECT id, tenant_id, customer, party_size, status, created_at, cancelled_at
		FROM bookings
		WHERE tenant_id = ? AND id = ?
	`, tenantID, id).Scan(&b.ID, &b.TenantID, &b.Customer, &b.PartySize, &b.Status, &b.CreatedAt, &b.CancelledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

// ListBookings returns a tenant's bookings, newest first.
func (s *Store) ListBookings(tenantID string) ([]Booking, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, customer, party_size, status, created_at, cancelled_at
		FROM bookings
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var bookings []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Customer, &b.PartySize, &b.Status, &b.CreatedAt, &b.CancelledAt); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// CancelBooking marks a confirmed booking as cancelled. Returns ErrNotFound
// if the booking does not exist or is already cancelled.
func (s *Store) CancelBooking(tenantID, id string) error {
	res, err := s.db.Exec(`
		UPDATE bookings
		SET status = ?, cancelled_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`, BookingCancelled, time.Now(), tenantID, id, BookingConfirmed)
	if err != nil {
		return fmt.Errorf("failed to cancel booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cancel result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
