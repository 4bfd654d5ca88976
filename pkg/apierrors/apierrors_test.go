package apierrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeMalformedInput:        400,
		CodeUnsignableTransaction: 400,
		CodeRetryLater:            429,
		CodeUnavailable:           503,
		CodeInternal:              500,
		Code("UNKNOWN"):           500,
	}

	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s)=%d, want %d", code, got, want)
		}
	}
}

func TestGRPCStatus(t *testing.T) {
	cases := map[Code]codes.Code{
		CodeMalformedInput:        codes.InvalidArgument,
		CodeUnsignableTransaction: codes.FailedPrecondition,
		CodeRetryLater:            codes.ResourceExhausted,
		CodeUnavailable:           codes.Unavailable,
		Code("UNKNOWN"):           codes.Internal,
	}

	for code, want := range cases {
		if got := GRPCStatus(code); got != want {
			t.Fatalf("GRPCStatus(%s)=%s, want %s", code, got, want)
		}
	}
}

func TestRequiresRetryAfter(t *testing.T) {
	if !RequiresRetryAfter(CodeRetryLater) {
		t.Fatal("RetryLater should require header")
	}
	if !RequiresRetryAfter(CodeUnavailable) {
		t.Fatal("Unavailable should require header")
	}
	if RequiresRetryAfter(CodeMalformedInput) {
		t.Fatal("MalformedInput should not require header")
	}
}

func TestErrorRetryAfterHint(t *testing.T) {
	err := New(CodeRetryLater, "slow down").WithRetryAfter(1500 * time.Millisecond)
	if hint := err.RetryAfterHint(); hint != "2" {
		t.Fatalf("expected retryAfter 2, got %q", hint)
	}
	if err.Error() != "slow down" {
		t.Fatalf("unexpected Error(): %s", err.Error())
	}
	if hint := New(CodeRetryLater, "").RetryAfterHint(); hint != "" {
		t.Fatalf("expected empty hint, got %q", hint)
	}
}

func TestDescribe(t *testing.T) {
	if got := Malformed(errors.New("illegal base64 data at input byte 0")).Describe(); got != "malformed input: illegal base64 data at input byte 0" {
		t.Fatalf("unexpected malformed description %q", got)
	}
	if got := Unsignable(errors.New("input 0: missing utxo")).Describe(); got != "invalid transaction: input 0: missing utxo" {
		t.Fatalf("unexpected unsignable description %q", got)
	}
	if got := New(Code("UNKNOWN"), "").Describe(); got != "internal error" {
		t.Fatalf("unexpected fallback description %q", got)
	}
}

func TestFromError(t *testing.T) {
	original := New(CodeUnsignableTransaction, "missing utxo")
	wrapped := fmt.Errorf("wrap: %w", original)
	if apiErr, ok := FromError(wrapped); !ok {
		t.Fatal("expected to unwrap api error")
	} else if apiErr.Code != CodeUnsignableTransaction {
		t.Fatalf("unexpected code %s", apiErr.Code)
	}
	if _, ok := FromError(fmt.Errorf("other")); ok {
		t.Fatal("should not unwrap plain error")
	}
}

func TestCodeFromGRPC(t *testing.T) {
	for _, code := range []Code{CodeMalformedInput, CodeUnsignableTransaction, CodeRetryLater, CodeUnavailable, CodeInternal} {
		if got := CodeFromGRPC(GRPCStatus(code)); got != code {
			t.Fatalf("round trip %s -> %s", code, got)
		}
	}
	if got := CodeFromGRPC(codes.DataLoss); got != CodeInternal {
		t.Fatalf("unexpected fallback %s", got)
	}
}
