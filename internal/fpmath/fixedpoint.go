package fpmath

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs.
	// Prices are probabilities: valid range is [0, PriceConfig.Scale],
	// i.e. 1_000_000 micro-units == 1.0.
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 share
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 currency unit
)

// MaxPrice is the upper bound of a valid price (probability 1.0).
const MaxPrice = int64(1_000_000)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}

	case RoundHalfUp:
		// Ties away from zero (what option percentages use)
		doubled := getInt128()
		doubled.Lsh(remainder, 1)
		if doubled.Cmp(denom) >= 0 {
			result++
		}
		putInt128(doubled)

	case RoundDown:
		// Truncation — DivMod already gave us this
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundHalfUp                       // Ties away from zero
	RoundDown
)

// Notional computes the quote-currency value of amount shares at price.
// amount is in quantity scale, price in price scale, result in quote scale.
func Notional(amount, price int64) int64 {
	raw := MultiplyInt128(amount, price)

	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	denominator := PriceConfig.Scale * QuantityConfig.Scale

	result := DivideInt128(raw, denominator, RoundHalfEven)

	putInt128(raw)

	return result
}

// Percent computes round(100 * part / total) with ties away from zero.
// Returns 0 when total is 0 — callers handle the zero-volume equal split.
func Percent(part, total int64) int64 {
	if total == 0 {
		return 0
	}

	raw := MultiplyInt128(part, 100)
	result := DivideInt128(raw, total, RoundHalfUp)
	putInt128(raw)

	return result
}

// EqualSplitPercent is the per-option percentage when a poll has no volume.
func EqualSplitPercent(optionCount int) int64 {
	if optionCount <= 0 {
		return 0
	}
	return Percent(1, int64(optionCount))
}
