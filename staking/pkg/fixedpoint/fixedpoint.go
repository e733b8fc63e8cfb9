// Package fixedpoint holds the integer arithmetic shared by reward accounting and token amount
// handling. All amounts are unsigned 256-bit base units; every division floors.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrOverflow        = errors.New("fixedpoint: overflow")
	ErrDivisionByZero  = errors.New("fixedpoint: division by zero")
	ErrNegative        = errors.New("fixedpoint: negative value")
	ErrInvalidDecimals = errors.New("fixedpoint: decimals out of range")
)

// PrecisionExponent is log10 of the reward-per-token accumulator scale.
const PrecisionExponent = 12

// maxPow10 is the largest n with 10^n representable in 256 bits.
const maxPow10 = 77

// Precision returns P = 10^12. A fresh value is returned so callers may mutate it.
func Precision() *uint256.Int {
	return uint256.NewInt(1_000_000_000_000)
}

// Pow10 returns 10^n.
func Pow10(n uint) (*uint256.Int, error) {
	if n > maxPow10 {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n))), nil
}

// MulDivFloor returns floor(x*y/d) computed with a 512-bit intermediate product.
func MulDivFloor(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDecimalFloor returns floor(x*m) for a non-negative decimal multiplier m.
func MulDecimalFloor(x *uint256.Int, m decimal.Decimal) (*uint256.Int, error) {
	if m.IsNegative() {
		return nil, ErrNegative
	}
	coef, overflow := uint256.FromBig(m.Coefficient())
	if overflow {
		return nil, ErrOverflow
	}

	exp := m.Exponent()
	if exp >= 0 {
		scale, err := Pow10(uint(exp))
		if err != nil {
			return nil, err
		}
		if _, overflow := new(uint256.Int).MulOverflow(coef, scale); overflow {
			return nil, ErrOverflow
		}
		coef.Mul(coef, scale)
		return MulDivFloor(x, coef, uint256.NewInt(1))
	}

	den, err := Pow10(uint(-exp))
	if err != nil {
		// A denominator above 10^77 only arises from a multiplier far below one base unit.
		return new(uint256.Int), nil
	}
	return MulDivFloor(x, coef, den)
}

// FromTokens converts a whole-token decimal such as "1000000.5" into base units, flooring any
// precision finer than one base unit.
func FromTokens(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if decimals > maxPow10 {
		return nil, ErrInvalidDecimals
	}
	if d.IsNegative() {
		return nil, ErrNegative
	}
	v, overflow := uint256.FromBig(d.Shift(int32(decimals)).Floor().BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s tokens", ErrOverflow, d.String())
	}
	return v, nil
}

// ToTokens renders base units as a whole-token decimal.
func ToTokens(x *uint256.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// SaturatingSub returns a-b, or zero when b >= a.
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if !a.Gt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Add returns a+b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Parse reads a base-10 amount in base units.
func Parse(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	return v, nil
}
