package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Invoice is a billing record.
type Invoice struct {
	ID            string
	TenantID      string
	Customer      string
	AmountCents   int64
	Currency      string
	Status        string
	RefundedCents int64
	CreatedAt     time.Time
	RefundedAt    *time.Time
}

// Invoice statuses.
const (
	InvoicePaid     = "paid"
	InvoiceRefunded = "refunded"
)

// CreateInvoice inserts a new paid invoice.
func (s *Store) CreateInvoice(inv Invoice) error {
	if inv.Currency == "" {
		inv.Currency = "EUR"
	}
	_, err := s.db.Exec(`
		INSERT INTO invoices (id, tenant_id, customer, amount_cents, currency, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.TenantID, inv.Customer, inv.AmountCents, inv.Currency, InvoicePaid, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetInvoice fetches an invoice by ID within a tenant.
func (s *Store) GetInvoice(tenantID, id string) (*Invoice, error) {
	var inv Invoice
	err := s.db.QueryRow(`
		SELECT id, tenant_id, customer, amount_cents, currency, status, refunded_cents, created_at, refunded_at
		FROM invoices
		WHERE tenant_id = ? AND id = ?
	`, tenantID, id).Scan(&inv.ID, &inv.TenantID, &inv.Customer, &inv.AmountCents, &inv.Currency, &inv.Status, &inv.RefundedCents, &inv.CreatedAt, &inv.RefundedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return &inv, nil
}

// RefundInvoice records a refund against a paid invoice. The refund amount
// must not exceed the remaining refundable balance. A full refund flips the
// invoice status to refunded.
func (s *Store) RefundInvoice(tenantID, id string, amountCents int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin refund: %w", err)
	}
	defer tx.Rollback()

	var amount, refunded int64
	var status string
	err = tx.QueryRow(`
		SELECT amount_cents, refunded_cents, status FROM invoices
		WHERE tenant_id = ? AND id = ?
	`, tenantID, id).Scan(&amount, &refunded, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load invoice for refund: %w", err)
	}

	remaining := amount - refunded
	if status == InvoiceRefunded || remaining <= 0 {
		return fmt.Errorf("invoice %s is already fully refunded", id)
	}
	if amountCents <= 0 || amountCents > remaining {
		return fmt.Errorf("refund amount out of range: %d of %d remaining", amountCents, remaining)
	}

	newRefunded := refunded + amountCents
	newStatus := status
	var refundedAt any
	if newRefunded == amount {
		newStatus = InvoiceRefunded
		refundedAt = time.Now()
	}
	_, err = tx.Exec(`
		UPDATE invoices
		SET refunded_cents = ?, status = ?, refunded_at = COALESCE(?, refunded_at)
		WHERE tenant_id = ? AND id = ?
	`, newRefunded, newStatus, refundedAt, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to apply refund: %w", err)
	}
	return tx.Commit()
}
