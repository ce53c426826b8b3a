package store_test

import (
	"errors"
	"os"
	"testing"

	"github.com/solari-hq/spine/internal/assistant/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "spine-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

// --- Bookings ---

func TestCreateAndGetBooking(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateBooking(store.Booking{
		ID:        "bk_1",
		TenantID:  "acme",
		Customer:  "Ada",
		PartySize: 4,
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	got, err := s.GetBooking("acme", "bk_1")
	if err != nil {
		t.Fatalf("GetBooking: %v", err)
	}
	if got.Customer != "Ada" {
		t.Errorf("Customer: got %q, want %q", got.Customer, "Ada")
	}
	if got.PartySize != 4 {
		t.Errorf("PartySize: got %d, want 4", got.PartySize)
	}
	if got.Status != store.BookingConfirmed {
		t.Errorf("Status: got %q, want %q", got.Status, store.BookingConfirmed)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
}

func TestGetBooking_TenantScoped(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateBooking(store.Booking{ID: "bk_1", TenantID: "acme", Customer: "Ada"}); err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	_, err := s.GetBooking("other", "bk_1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong tenant, got %v", err)
	}
}

func TestListBookings(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"bk_1", "bk_2", "bk_3"} {
		if err := s.CreateBooking(store.Booking{ID: id, TenantID: "acme", Customer: "Ada"}); err != nil {
			t.Fatalf("CreateBooking(%s): %v", id, err)
		}
	}
	if err := s.CreateBooking(store.Booking{ID: "bk_x", TenantID: "other", Customer: "Eve"}); err != nil {
		t.Fatalf("CreateBooking(bk_x): %v", err)
	}

	bookings, err := s.ListBookings("acme")
	if err != nil {
		t.Fatalf("ListBookings: %v", err)
	}
	if len(bookings) != 3 {
		t.Errorf("expected 3 bookings, got %d", len(bookings))
	}
}

func TestCancelBooking(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateBooking(store.Booking{ID: "bk_1", TenantID: "acme", Customer: "Ada"}); err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if err := s.CancelBooking("acme", "bk_1"); err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}

	got, err := s.GetBooking("acme", "bk_1")
	if err != nil {
		t.Fatalf("GetBooking: %v", err)
	}
	if got.Status != store.BookingCancelled {
		t.Errorf("Status: got %q, want %q", got.Status, store.BookingCancelled)
	}
	if got.CancelledAt == nil {
		t.Error("CancelledAt should be set")
	}

	// Cancelling again is not allowed
	if err := s.CancelBooking("acme", "bk_1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second cancel, got %v", err)
	}
}

func TestCancelBooking_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.CancelBooking("acme", "nonexistent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Invoices ---

func TestCreateAndGetInvoice(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateInvoice(store.Invoice{
		ID:          "inv_1",
		TenantID:    "acme",
		Customer:    "Ada",
		AmountCents: 2500,
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	got, err := s.GetInvoice("acme", "inv_1")
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if got.AmountCents != 2500 {
		t.Errorf("AmountCents: got %d, want 2500", got.AmountCents)
	}
	if got.Currency != "EUR" {
		t.Errorf("Currency: got %q, want %q", got.Currency, "EUR")
	}
	if got.Status != store.InvoicePaid {
		t.Errorf("Status: got %q, want %q", got.Status, store.InvoicePaid)
	}
}

func TestRefundInvoice_Partial(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateInvoice(store.Invoice{ID: "inv_1", TenantID: "acme", Customer: "Ada", AmountCents: 2500}); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if err := s.RefundInvoice("acme", "inv_1", 1000); err != nil {
		t.Fatalf("RefundInvoice: %v", err)
	}

	got, err := s.GetInvoice("acme", "inv_1")
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if got.RefundedCents != 1000 {
		t.Errorf("RefundedCents: got %d, want 1000", got.RefundedCents)
	}
	if got.Status != store.InvoicePaid {
		t.Errorf("Status after partial refund: got %q, want %q", got.Status, store.InvoicePaid)
	}
}

func TestRefundInvoice_Full(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateInvoice(store.Invoice{ID: "inv_1", TenantID: "acme", Customer: "Ada", AmountCents: 2500}); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if err := s.RefundInvoice("acme", "inv_1", 2500); err != nil {
		t.Fatalf("RefundInvoice: %v", err)
	}

	got, err := s.GetInvoice("acme", "inv_1")
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if got.Status != store.InvoiceRefunded {
		t.Errorf("Status: got %q, want %q", got.Status, store.InvoiceRefunded)
	}
	if got.RefundedAt == nil {
		t.Error("RefundedAt should be set")
	}

	// A fully refunded invoice rejects further refunds
	if err := s.RefundInvoice("acme", "inv_1", 100); err == nil {
		t.Fatal("expected error refunding a fully refunded invoice, got nil")
	}
}

func TestRefundInvoice_OverRemaining(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateInvoice(store.Invoice{ID: "inv_1", TenantID: "acme", Customer: "Ada", AmountCents: 2500}); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if err := s.RefundInvoice("acme", "inv_1", 3000); err == nil {
		t.Fatal("expected error for refund above invoice amount, got nil")
	}
	if err := s.RefundInvoice("acme", "inv_1", 0); err == nil {
		t.Fatal("expected error for zero refund, got nil")
	}
}

func TestRefundInvoice_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.RefundInvoice("acme", "nonexistent", 100)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Audit Log ---

func TestWriteAndReadAuditLog(t *testing.T) {
	s := newTestStore(t)

	err := s.WriteAudit(store.AuditEntry{
		TraceID:  "t_abc123",
		ActorID:  "@ada:example.com",
		TenantID: "acme",
		Action:   "bookings.list",
		ToolName: "bookings.list",
		Granted:  true,
		Outcome:  "ok",
	})
	if err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	entries, err := s.GetAuditLog(10)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.TraceID != "t_abc123" {
		t.Errorf("TraceID: got %q, want %q", e.TraceID, "t_abc123")
	}
	if e.ActorID != "@ada:example.com" {
		t.Errorf("ActorID: got %q, want %q", e.ActorID, "@ada:example.com")
	}
	if !e.Granted {
		t.Error("Granted should be true")
	}
	if e.Outcome != "ok" {
		t.Errorf("Outcome: got %q, want %q", e.Outcome, "ok")
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestGetAuditLogByTrace(t *testing.T) {
	s := newTestStore(t)

	traceID := "t_multistep"
	outcomes := []string{"confirmation_required", "ok"}
	for _, outcome := range outcomes {
		if err := s.WriteAudit(store.AuditEntry{
			TraceID:  traceID,
			ActorID:  "@ada:example.com",
			TenantID: "acme",
			Action:   "invoices.refund",
			ToolName: "invoices.refund",
			Granted:  outcome == "ok",
			Outcome:  outcome,
		}); err != nil {
			t.Fatalf("WriteAudit(%s): %v", outcome, err)
		}
	}
	if err := s.WriteAudit(store.AuditEntry{
		TraceID: "t_other", ActorID: "@eve:example.com", TenantID: "acme",
		Action: "bookings.list", Outcome: "ok", Granted: true,
	}); err != nil {
		t.Fatalf("WriteAudit(other): %v", err)
	}

	entries, err := s.GetAuditLogByTrace(traceID)
	if err != nil {
		t.Fatalf("GetAuditLogByTrace: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for trace, got %d", len(entries))
	}
	if entries[0].Outcome != "confirmation_required" || entries[1].Outcome != "ok" {
		t.Errorf("entries out of order: %q then %q", entries[0].Outcome, entries[1].Outcome)
	}
}

func TestAuditLog_Limit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 20; i++ {
		if err := s.WriteAudit(store.AuditEntry{
			TraceID: "t_bulk", ActorID: "@ada:example.com", TenantID: "acme",
			Action: "bookings.list", Outcome: "ok", Granted: true,
		}); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}

	entries, err := s.GetAuditLog(5)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("expected 5 entries with limit=5, got %d", len(entries))
	}
}

// --- Migrations ---

func TestMigrations_Idempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "spine-test-idempotent-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	f.Close()

	// Open same database twice - migrations should only run once
	s1, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}
