package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestDescribeWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("open position: %w", ErrInsufficientFunds)
	f := Describe(err)
	if f.Code != CodeInsufficientFunds {
		t.Fatalf("expected %s, got %s", CodeInsufficientFunds, f.Code)
	}
	if f.Retryable {
		t.Fatalf("insufficient funds must not be retryable")
	}
}

func TestDescribeConcurrentModificationRetryable(t *testing.T) {
	f := Describe(fmt.Errorf("apply: %w", ErrConcurrentModification))
	if !f.Retryable || f.Code != CodeConcurrentModification {
		t.Fatalf("unexpected failure %+v", f)
	}
}

func TestDescribeHidesInternalErrors(t *testing.T) {
	f := Describe(errors.New("pq: connection refused"))
	if f.Code != CodeInternal || f.Message != "internal error" {
		t.Fatalf("unexpected failure %+v", f)
	}
}

func TestInvalidWrapsSentinel(t *testing.T) {
	err := Invalid("investment must be positive")
	if !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if CodeOf(nil) != "" {
		t.Fatalf("expected empty code for nil")
	}
}
