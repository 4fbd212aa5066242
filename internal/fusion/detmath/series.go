package detmath

import "math"

// Series-based replacements for the libm transcendentals. libm results vary
// by platform and build flags; these use only IEEE basic operations
// (add/sub/mul/div, Frexp/Ldexp bit manipulation) in a fixed order with
// fixed term counts, so identical inputs give identical bits everywhere.
const (
	ln2 = 6.93147180559945286227e-01

	// expTerms is the Taylor term count for Exp after range reduction.
	// |r| <= ln2/2, so the truncation error is below 1e-14 relative.
	expTerms = 13

	// logTerms is the odd-term count for the atanh series in Log.
	// z <= 1/3 after mantissa normalization, giving ~1e-15 relative error.
	logTerms = 15

	// sqrtIters is the Newton-Raphson iteration count for Sqrt. The seed
	// is good to a few bits; five iterations converge, eight is fixed
	// headroom.
	sqrtIters = 8

	// expSaturation bounds Exp input. Beyond it the true value is outside
	// float64 range; saturate deterministically instead of producing Inf.
	expSaturation = 709.0
)

// Exp computes e**x deterministically. Inputs beyond +-709 saturate to
// MaxFloat64 and 0. NaN propagates.
func Exp(x float64) float64 {
	if math.IsNaN(x) {
		return x
	}
	if x > expSaturation {
		return math.MaxFloat64
	}
	if x < -expSaturation {
		return 0
	}

	// Range reduction: x = k*ln2 + r with |r| <= ln2/2.
	k := math.RoundToEven(x / ln2)
	r := x - k*ln2

	// Taylor sum over a fixed term count in fixed order.
	sum := 1.0
	term := 1.0
	for n := 1; n < expTerms; n++ {
		term = term * r / float64(n)
		sum += term
	}
	return math.Ldexp(sum, int(k))
}

// Log computes the natural log deterministically. Log(0) is -Inf, negative
// inputs and NaN return NaN, +Inf passes through.
func Log(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return math.NaN()
	}
	if x == 0 {
		return math.Inf(-1)
	}
	if math.IsInf(x, 1) {
		return x
	}

	// Normalize to m in [1,2): x = m * 2**e.
	frac, exp := math.Frexp(x)
	m := frac * 2
	e := exp - 1

	// ln(m) = 2*atanh(z) with z = (m-1)/(m+1), summed over fixed odd terms.
	z := (m - 1) / (m + 1)
	z2 := z * z
	sum := 0.0
	zpow := z
	for n := 0; n < logTerms; n++ {
		sum += zpow / float64(2*n+1)
		zpow *= z2
	}
	return 2*sum + float64(e)*ln2
}

// Sqrt computes the square root deterministically. Negative inputs and NaN
// return NaN, 0 returns 0, +Inf passes through.
func Sqrt(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return math.NaN()
	}
	if x == 0 {
		return 0
	}
	if math.IsInf(x, 1) {
		return x
	}

	// Deterministic seed: halve the exponent, linear fit on the mantissa.
	frac, exp := math.Frexp(x)
	if exp&1 != 0 {
		frac *= 2
		exp--
	}
	y := math.Ldexp(0.41731+0.59016*frac, exp/2)

	for i := 0; i < sqrtIters; i++ {
		y = 0.5 * (y + x/y)
	}
	return y
}
