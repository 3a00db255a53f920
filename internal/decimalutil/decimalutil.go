// Package decimalutil wraps github.com/shopspring/decimal with the
// exact-string conventions used across the control plane: every
// persisted quantity is a decimal string, parsed once per use and never
// round-tripped through float64 (spec.md §2 "Decimal arithmetic").
package decimalutil

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Zero is the canonical zero value, exported for readability at call sites.
var Zero = decimal.Zero

// Parse parses a decimal string, wrapping the error with the offending
// field name for easier diagnosis in config/reconcile paths.
func Parse(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%s: empty decimal string", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: invalid decimal %q: %w", field, s, err)
	}
	return d, nil
}

// ParseOptional parses s if non-nil/non-empty, else returns decimal.Zero.
func ParseOptional(field string, s *string) (decimal.Decimal, error) {
	if s == nil || *s == "" {
		return decimal.Zero, nil
	}
	return Parse(field, *s)
}

// String renders d using its exact string form (no trailing-zero trimming
// surprises across the wire).
func String(d decimal.Decimal) string {
	return d.String()
}

// StringPtr renders d and returns a pointer, used for the optional
// decimal-string fields on Order (price, avgFillPrice).
func StringPtr(d decimal.Decimal) *string {
	s := d.String()
	return &s
}

// FormatPercent2 formats a decimal as a percentage with exactly 2 decimal
// places, matching spec.md §4.5's "formatted to 2 decimals" requirement.
func FormatPercent2(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
