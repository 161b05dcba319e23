package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net"
	"testing"
)

type codedError struct {
	code string
}

func (c codedError) Error() string          { return "worker reported failure" }
func (c codedError) ProofErrorType() string { return c.code }

func TestClassifyMessageTable(t *testing.T) {
	cases := []struct {
		msg string
		typ Type
		sev Severity
		rec Recoverability
	}{
		{"circuit compilation failed for ebsl_large", TypeCircuitCompilationFailed, SeverityHigh, FallbackAvailable},
		{"Circuit failed to compile", TypeCircuitCompilationFailed, SeverityHigh, FallbackAvailable},
		{"could not load circuit artifacts", TypeCircuitLoadFailed, SeverityMedium, Retryable},
		{"JavaScript heap out of memory", TypeOutOfMemory, SeverityCritical, FallbackAvailable},
		{"request timed out after 30s", TypeProofGenerationTimeout, SeverityMedium, Retryable},
		{"failed to fetch worker status", TypeNetworkError, SeverityLow, Retryable},
		{"witness vector has wrong length", TypeWitnessPreparationFailed, SeverityMedium, Retryable},
		{"something unexpected", TypeInternalError, SeverityHigh, Retryable},
	}
	for _, tc := range cases {
		got := Classify(stdErrors.New(tc.msg))
		if got.Type() != tc.typ {
			t.Fatalf("%q: unexpected type %s want %s", tc.msg, got.Type(), tc.typ)
		}
		if got.Severity() != tc.sev || got.Recoverability() != tc.rec {
			t.Fatalf("%q: unexpected attributes %s/%s", tc.msg, got.Severity(), got.Recoverability())
		}
		if got.Message() != tc.msg {
			t.Fatalf("message not preserved: %q", got.Message())
		}
	}
}

func TestClassifyOrderCompilationBeforeMemory(t *testing.T) {
	got := Classify(stdErrors.New("circuit compilation ran out of memory"))
	if got.Type() != TypeCircuitCompilationFailed {
		t.Fatalf("expected compilation rule to win, got %s", got.Type())
	}
}

func TestClassifyPassThrough(t *testing.T) {
	original := New(TypeProofValidationFailed, "bad proof")
	wrapped := fmt.Errorf("pipeline: %w", original)
	got := Classify(wrapped, WithAttempt(2))
	if got != original {
		t.Fatalf("expected typed error to pass through unchanged")
	}
	if got.AttemptNumber() != 0 {
		t.Fatalf("pass-through must not mutate metadata")
	}
}

func TestClassifyPrefersStructuredCode(t *testing.T) {
	got := Classify(codedError{code: "invalid_witness_data"})
	if got.Type() != TypeInvalidWitnessData {
		t.Fatalf("unexpected type %s", got.Type())
	}
	if !got.IsFatal() {
		t.Fatalf("invalid witness data should be fatal")
	}

	unknown := Classify(codedError{code: "SOMETHING_ELSE"})
	if unknown.Type() != TypeInternalError {
		t.Fatalf("unknown code should fall back to message rules, got %s", unknown.Type())
	}
}

func TestClassifyContextAndNetErrors(t *testing.T) {
	if got := Classify(fmt.Errorf("call worker: %w", context.DeadlineExceeded)); got.Type() != TypeProofGenerationTimeout {
		t.Fatalf("deadline exceeded should classify as timeout, got %s", got.Type())
	}
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: stdErrors.New("connection refused")}
	if got := Classify(opErr); got.Type() != TypeNetworkError {
		t.Fatalf("net error should classify as network, got %s", got.Type())
	}
}

func TestClassifyMergesContext(t *testing.T) {
	got := Classify(stdErrors.New("boom"), WithAttempt(3), WithCircuit("large"), WithMetadata("worker_id", "w-1"))
	meta := got.Metadata()
	if meta.AttemptNumber != 3 || meta.CircuitType != "large" || meta.Context["worker_id"] != "w-1" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.Timestamp.IsZero() {
		t.Fatalf("timestamp should be stamped")
	}
	if !stdErrors.Is(got, New(TypeInternalError, "")) {
		t.Fatalf("errors.Is should match by type")
	}
}

func TestWithReturnsCopy(t *testing.T) {
	base := New(TypeNetworkError, "dial failed", WithAttempt(1))
	next := base.With(WithAttempt(2), WithRecoverability(Fatal))
	if base.AttemptNumber() != 1 || base.IsFatal() {
		t.Fatalf("original error must stay unchanged")
	}
	if next.AttemptNumber() != 2 || !next.IsFatal() {
		t.Fatalf("copy should carry overrides")
	}
}

func TestClassifyNil(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatalf("nil error should classify to nil")
	}
}
