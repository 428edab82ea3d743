// Package units converts display-currency amounts into the integer units
// expected by the payment processor and the chain.
package units

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// MinorUnitExponent is the number of decimals of a two-decimal currency such as USD.
	MinorUnitExponent int32 = 2
	// EtherDecimals is the exponent between ether and wei.
	EtherDecimals int32 = 18
)

var (
	ErrNonPositive = errors.New("amount must be greater than zero")
	ErrOutOfRange  = errors.New("amount is too large")
)

var maxSmallestUnit = decimal.NewFromInt(math.MaxInt64)

// ToSmallestUnit returns amount×100, rounded half away from zero. The result
// must be at least one minor unit and fit in an int64.
func ToSmallestUnit(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(MinorUnitExponent).Round(0)
	if !minor.IsPositive() {
		return 0, fmt.Errorf("%w: %s rounds to %s minor units", ErrNonPositive, amount, minor)
	}
	if minor.GreaterThan(maxSmallestUnit) {
		return 0, fmt.Errorf("%w: %s exceeds %s minor units", ErrOutOfRange, amount, maxSmallestUnit)
	}
	return minor.IntPart(), nil
}

// FromSmallestUnit is the inverse of ToSmallestUnit for whole minor units.
func FromSmallestUnit(v int64) decimal.Decimal {
	return decimal.New(v, -MinorUnitExponent)
}

// ToBaseUnits scales amount by 10^decimals. Precision below one base unit is
// rounded half away from zero.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Round(0).BigInt()
}

func ToBaseUnitString(amount decimal.Decimal, decimals int32) string {
	return ToBaseUnits(amount, decimals).String()
}
