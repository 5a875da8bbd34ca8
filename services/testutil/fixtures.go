package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	DemoUserID     = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	ReferrerUserID = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

// D parses a decimal literal and panics on malformed input.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func AssertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(D(want)) {
		t.Fatalf("%s: expected %s, got %s", name, want, got.String())
	}
}
