/**
 * @description
 * Decimal-string conversion for money fields at the API and configuration
 * boundary. Internally everything is int64 minor units; shopspring/decimal is
 * only used to parse and render, never to do ledger arithmetic.
 */

package domain

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for malformed, non-positive, or
	// sub-cent-precision amount strings.
	ErrInvalidAmount = errors.New("amount must be a positive decimal with at most two fraction digits")
)

var minorUnitFactor = decimal.NewFromInt(100)

// ParseAmount converts a decimal string like "50000.00" into minor units.
// Rejects non-positive values and anything finer than two decimal places.
func ParseAmount(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.Exponent() < -2 {
		return 0, ErrInvalidAmount
	}
	if !d.IsPositive() {
		return 0, ErrInvalidAmount
	}
	minor := d.Mul(minorUnitFactor)
	if !minor.IsInteger() {
		return 0, ErrInvalidAmount
	}
	// IntPart truncates to the low 64 bits; an amount beyond int64 minor
	// units must be rejected, not wrapped.
	if !minor.BigInt().IsInt64() {
		return 0, ErrInvalidAmount
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a two-decimal string.
func FormatAmount(minor int64) string {
	return decimal.NewFromInt(minor).Div(minorUnitFactor).StringFixed(2)
}
