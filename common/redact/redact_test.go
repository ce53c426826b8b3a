package redact_test

import (
	"testing"

	"github.com/solari-hq/spine/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	token := "cf_9a1b2c3d4e5f60718293a4b5"
	line := "confirm token cf_9a1b2c3d4e5f60718293a4b5 issued for invoices.refund"
	got := redact.String(line, token)
	if got == line {
		t.Fatal("expected redaction, got unchanged string")
	}
	const want = "confirm token [REDACTED] issued for invoices.refund"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc token"
	// "abc" is only 3 chars — should not be redacted
	got := redact.String(line, "abc")
	if got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestString_MultipleValues(t *testing.T) {
	token := "cf_deadbeef"
	access := "syt_access_xxx"
	line := "tok=cf_deadbeef access=syt_access_xxx end"
	got := redact.String(line, token, access)
	if got != "tok=[REDACTED] access=[REDACTED] end" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestMap_RedactsSensitiveKeys(t *testing.T) {
	m := map[string]any{
		"invoice_id":    "inv_123",
		"confirm_token": "cf_abc",
		"card_number":   "4111111111111111",
		"api_key":       "key_abc",
		"amount":        42,
	}
	out := redact.Map(m)

	if out["invoice_id"] != "inv_123" {
		t.Errorf("invoice_id should not be redacted, got %v", out["invoice_id"])
	}
	if out["confirm_token"] != "[REDACTED]" {
		t.Errorf("confirm_token should be redacted, got %v", out["confirm_token"])
	}
	if out["card_number"] != "[REDACTED]" {
		t.Errorf("card_number should be redacted, got %v", out["card_number"])
	}
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key should be redacted, got %v", out["api_key"])
	}
	if out["amount"] != 42 {
		t.Errorf("non-string amount should be unchanged, got %v", out["amount"])
	}
}

func TestMap_DoesNotMutateOriginal(t *testing.T) {
	m := map[string]any{"password": "secret"}
	redact.Map(m)
	if m["password"] != "secret" {
		t.Error("Map mutated the original; expected shallow copy")
	}
}
