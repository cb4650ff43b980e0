package store

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

type fakePgError struct{ code string }

func (e *fakePgError) Error() string    { return "pg error " + e.code }
func (e *fakePgError) SQLState() string { return e.code }

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"unique violation code", &fakePgError{code: "23505"}, true},
		{"other pg error code", &fakePgError{code: "23503"}, false},
		{"non-pg error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Fatalf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNullDecimalScan(t *testing.T) {
	var n nullDecimal
	if err := n.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) returned error: %v", err)
	}
	if n.Valid {
		t.Fatal("expected Valid=false after scanning nil")
	}
	if n.Ptr() != nil {
		t.Fatal("expected Ptr() to be nil when invalid")
	}

	if err := n.Scan("12.50"); err != nil {
		t.Fatalf("Scan(string) returned error: %v", err)
	}
	if !n.Valid {
		t.Fatal("expected Valid=true after scanning a string")
	}
	want, _ := decimal.NewFromString("12.50")
	if !n.Ptr().Equal(want) {
		t.Fatalf("unexpected decimal: %s", n.Ptr())
	}

	var n2 nullDecimal
	if err := n2.Scan(3.5); err != nil {
		t.Fatalf("Scan(float64) returned error: %v", err)
	}
	if !n2.Ptr().Equal(decimal.NewFromFloat(3.5)) {
		t.Fatalf("unexpected decimal from float64: %s", n2.Ptr())
	}

	var n3 nullDecimal
	if err := n3.Scan(42); err == nil {
		t.Fatal("expected an error scanning an unsupported type")
	}
}
