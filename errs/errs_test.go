package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndFields(t *testing.T) {
	err := New(
		"paygate",
		CodeProtocolAnomaly,
		WithHTTP(200),
		WithMessage("create rejected"),
		WithRawCode("1005"),
		WithRawMessage("SIGN ERROR"),
		WithCanonicalCode(CanonicalSignatureRejected),
		WithField("path", "/api/pay/create"),
		WithField("mchOrderNo", "FP1001"),
		WithCause(errors.New("gateway said no")),
	)

	out := err.Error()
	if !strings.Contains(out, "source=paygate") {
		t.Fatalf("expected source marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=protocol_anomaly") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=signature_rejected") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedFields := `fields=mchOrderNo="FP1001",path="/api/pay/create"`
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, `cause="gateway said no"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("ledger", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestIsAndCanonicalOfSeeThroughWrapping(t *testing.T) {
	base := New("ledger", CodeInsufficientBalance, WithCanonicalCode(CanonicalInsufficientBalance))
	wrapped := fmt.Errorf("hold payout: %w", base)

	if !Is(wrapped, CodeInsufficientBalance) {
		t.Fatalf("expected wrapped error to match code")
	}
	if Is(wrapped, CodeNotFound) {
		t.Fatalf("unexpected code match")
	}
	if got := CanonicalOf(wrapped); got != CanonicalInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %q", got)
	}
	if got := CanonicalOf(errors.New("plain")); got != CanonicalUnknown {
		t.Fatalf("expected unknown for plain error, got %q", got)
	}
}

func TestNotFoundCarriesReference(t *testing.T) {
	err := NotFound("orders", CanonicalOrderNotFound, "FP42")
	if err.Code != CodeNotFound {
		t.Fatalf("expected not_found code, got %q", err.Code)
	}
	if err.Fields["ref"] != "FP42" {
		t.Fatalf("expected ref field, got %v", err.Fields)
	}
	if err.Message != "order not found" {
		t.Fatalf("unexpected message %q", err.Message)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
