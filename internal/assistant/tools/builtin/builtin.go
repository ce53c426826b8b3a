// Package builtin registers the assistant's bundled booking and invoicing
// tools.  They are deliberately thin wrappers over the store: the point is to
// give the orchestrator real sensitive and non-sensitive routes, not to be a
// complete reservations product.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/solari-hq/spine/internal/assistant/session"
	"github.com/solari-hq/spine/internal/assistant/store"
	"github.com/solari-hq/spine/internal/assistant/tools"
)

// Register adds all built-in tools to the registry.
func Register(reg *tools.Registry, s *store.Store) error {
	all := []tools.Tool{
		{
			Name:        "bookings.list",
			Description: "List the tenant's bookings",
			Handler:     listBookings(s),
		},
		{
			Name:        "bookings.create",
			Description: "Create a booking",
			InputSchema: `{
				"type": "object",
				"properties": {
					"customer": {"type": "string", "minLength": 1},
					"partySize": {"type": "number", "minimum": 1}
				},
				"required": ["customer"]
			}`,
			Handler: createBooking(s),
		},
		{
			Name:        "bookings.cancel",
			Description: "Cancel a booking",
			Sensitive:   true,
			Consequence: "the booking will be cancelled and the slot released",
			InputSchema: `{
				"type": "object",
				"properties": {
					"bookingId": {"type": "string", "minLength": 1}
				},
				"required": ["bookingId"]
			}`,
			Handler: cancelBooking(s),
		},
		{
			Name:        "invoices.show",
			Description: "Show an invoice",
			InputSchema: `{
				"type": "object",
				"properties": {
					"invoiceId": {"type": "string", "minLength": 1}
				},
				"required": ["invoiceId"]
			}`,
			Handler: showInvoice(s),
		},
		{
			Name:        "invoices.refund",
			Description: "Refund an invoice",
			Sensitive:   true,
			Consequence: "money will be returned to the customer",
			InputSchema: `{
				"type": "object",
				"properties": {
					"invoiceId": {"type": "string", "minLength": 1},
					"amount": {"type": "number", "exclusiveMinimum": 0}
				},
				"required": ["invoiceId", "amount"]
			}`,
			Handler: refundInvoice(s),
		},
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}

func listBookings(s *store.Store) tools.Handler {
	return func(_ context.Context, sctx session.Context, _ map[string]any) (*tools.Result, error) {
		bookings, err := s.ListBookings(sctx.TenantID)
		if err != nil {
			return nil, fmt.Errorf("list bookings: %w", err)
		}
		out := make([]map[string]any, 0, len(bookings))
		for _, b := range bookings {
			out = append(out, map[string]any{
				"id":        b.ID,
				"customer":  b.Customer,
				"partySize": b.PartySize,
				"status":    b.Status,
			})
		}
		return tools.Succeed(map[string]any{"bookings": out, "count": len(out)}), nil
	}
}

func createBooking(s *store.Store) tools.Handler {
	return func(_ context.Context, sctx session.Context, input map[string]any) (*tools.Result, error) {
		customer, _ := input["customer"].(string)
		partySize := 1
		if n, ok := asNumber(input["partySize"]); ok {
			partySize = int(n)
		}
		b := store.Booking{
			ID:        "bk_" + uuid.NewString()[:8],
			TenantID:  sctx.TenantID,
			Customer:  customer,
			PartySize: partySize,
		}
		if err := s.CreateBooking(b); err != nil {
			return nil, fmt.Errorf("create booking: %w", err)
		}
		return tools.Succeed(map[string]any{"id": b.ID, "customer": b.Customer, "partySize": b.PartySize}), nil
	}
}

func cancelBooking(s *store.Store) tools.Handler {
	return func(_ context.Context, sctx session.Context, input map[string]any) (*tools.Result, error) {
		id, _ := input["bookingId"].(string)
		err := s.CancelBooking(sctx.TenantID, id)
		if errors.Is(err, store.ErrNotFound) {
			return tools.Fail(tools.CodeNotFound, fmt.Sprintf("booking %s not found or already cancelled", id)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("cancel booking: %w", err)
		}
		return tools.Succeed(map[string]any{"id": id, "status": store.BookingCancelled}), nil
	}
}

func showInvoice(s *store.Store) tools.Handler {
	return func(_ context.Context, sctx session.Context, input map[string]any) (*tools.Result, error) {
		id, _ := input["invoiceId"].(string)
		inv, err := s.GetInvoice(sctx.TenantID, id)
		if errors.Is(err, store.ErrNotFound) {
			return tools.Fail(tools.CodeNotFound, fmt.Sprintf("invoice %s not found", id)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("show invoice: %w", err)
		}
		return tools.Succeed(map[string]any{
			"id":       inv.ID,
			"customer": inv.Customer,
			"amount":   float64(inv.AmountCents) / 100,
			"currency": inv.Currency,
			"status":   inv.Status,
			"refunded": float64(inv.RefundedCents) / 100,
		}), nil
	}
}

func refundInvoice(s *store.Store) tools.Handler {
	return func(_ context.Context, sctx session.Context, input map[string]any) (*tools.Result, error) {
		id, _ := input["invoiceId"].(string)
		amount, ok := asNumber(input["amount"])
		if !ok {
			return tools.Fail(tools.CodeInvalidInput, "refund amount is required"), nil
		}
		cents := int64(math.Round(amount * 100))

		inv, err := s.GetInvoice(sctx.TenantID, id)
		if errors.Is(err, store.ErrNotFound) {
			return tools.Fail(tools.CodeNotFound, fmt.Sprintf("invoice %s not found", id)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("refund invoice: %w", err)
		}

		remaining := inv.AmountCents - inv.RefundedCents
		if remaining <= 0 {
			return tools.Fail(tools.CodeConflict, fmt.Sprintf("invoice %s is already fully refunded", id)), nil
		}
		if cents > remaining {
			return tools.FailWith(tools.CodeInvalidInput,
				fmt.Sprintf("refund exceeds the remaining balance of %.2f %s", float64(remaining)/100, inv.Currency),
				map[string]any{"remaining": float64(remaining) / 100}), nil
		}

		if err := s.RefundInvoice(sctx.TenantID, id, cents); err != nil {
			return nil, fmt.Errorf("refund invoice: %w", err)
		}
		return tools.Succeed(map[string]any{
			"id":       id,
			"refunded": amount,
			"currency": inv.Currency,
		}), nil
	}
}

// asNumber accepts the numeric representations that reach handlers: float64
// from slot extraction and JSON decoding, int from in-code callers.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
