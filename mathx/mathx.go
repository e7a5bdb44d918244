// Package mathx contains the integer rounding rules shared by chunk
// downsampling, pixel accumulation and geometry computation.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// DivRound divides sum by div and rounds with the residual rule:
// the quotient is incremented when the remainder exceeds half the divisor.
// An exact half rounds toward the truncated quotient.
//
// div must be nonzero.
func DivRound(sum, div uint64) uint64 {
	q := sum / div
	if sum%div > div>>1 {
		q++
	}
	return q
}

// RunningAverage folds raw into a pixel whose current value old is the
// average of count previous samples.  count == 0 overwrites.
func RunningAverage(old, raw uint16, count int) uint16 {
	if count <= 0 {
		return raw
	}
	mult := uint64(count)
	div := mult + 1
	v := DivRound(uint64(old)*mult+uint64(raw), div)
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// FractionOf returns round(frac * n) as an int.  Negative fractions yield 0.
func FractionOf(frac float64, n int) int {
	if frac <= 0 || n <= 0 {
		return 0
	}
	return int(math.Round(frac * float64(n)))
}

// EvenFractionOf is FractionOf forced to an even count,
// computed as round(frac*n/2)*2.
func EvenFractionOf(frac float64, n int) int {
	if frac <= 0 || n <= 0 {
		return 0
	}
	return int(math.Round(frac*float64(n)/2)) * 2
}
