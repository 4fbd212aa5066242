package detmath

import (
	"math"
	"math/bits"
)

// fixedBackend reimplements the deterministic layer in Q16.48 integer
// arithmetic (int64 raw, 128-bit intermediates via math/bits). It shares no
// floating-point kernel with the float backend beyond exact conversions at
// the boundary, which is what makes it useful as a cross-check: the two
// implementations only agree at Q16.16 if both are actually computing the
// function they claim to.
type fixedBackend struct{}

func (fixedBackend) Name() string { return "fixed" }

// fx is a Q16.48 fixed-point value.
type fx int64

const (
	fxFracBits = 48
	fxOne      = fx(1) << fxFracBits
	fxMax      = fx(math.MaxInt64)
	fxMin      = fx(math.MinInt64)
)

// Constants are derived from the float64 values with exact IEEE operations
// at init, not hand-transcribed digits.
var (
	fxLn2 = fx(math.RoundToEven(ln2 * float64(fxOne)))

	// exp saturation in fx units: above, the result exceeds the Q16 range
	// anyway; below, it underflows one fx LSB.
	fxExpHi = fx(math.RoundToEven(10.4 * float64(fxOne)))
	fxExpLo = fx(math.RoundToEven(-33.3 * float64(fxOne)))
)

func toFx(x float64) fx {
	if math.IsNaN(x) {
		return 0
	}
	scaled := math.RoundToEven(x * float64(fxOne))
	if scaled >= float64(fxMax) {
		return fxMax
	}
	if scaled <= float64(fxMin) {
		return fxMin
	}
	return fx(scaled)
}

func (v fx) float() float64 { return float64(v) / float64(fxOne) }

// fxMul computes (a*b)>>48 through a 128-bit product, saturating on
// overflow.
func fxMul(a, b fx) fx {
	neg := (a < 0) != (b < 0)
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}
	hi, lo := bits.Mul64(ua, ub)
	if hi >= 1<<(63-(64-fxFracBits)) {
		if neg {
			return fxMin
		}
		return fxMax
	}
	r := fx(hi<<(64-fxFracBits) | lo>>fxFracBits)
	if neg {
		return -r
	}
	return r
}

// fxDiv computes (a<<48)/b through a 128-bit dividend, saturating when the
// quotient leaves the representable range.
func fxDiv(a, b fx) fx {
	if b == 0 {
		if a < 0 {
			return fxMin
		}
		return fxMax
	}
	neg := (a < 0) != (b < 0)
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}
	hi := ua >> (64 - fxFracBits)
	lo := ua << fxFracBits
	if hi >= ub {
		if neg {
			return fxMin
		}
		return fxMax
	}
	q, _ := bits.Div64(hi, lo, ub)
	if q > uint64(fxMax) {
		if neg {
			return fxMin
		}
		return fxMax
	}
	if neg {
		return -fx(q)
	}
	return fx(q)
}

// fxRoundDiv returns round(a/b) as an integer for positive b.
func fxRoundDiv(a, b fx) int64 {
	if a >= 0 {
		return int64((a + b/2) / b)
	}
	return -int64((-a + b/2) / b)
}

func (fixedBackend) Exp(x float64) float64 {
	if math.IsNaN(x) {
		return x
	}
	v := toFx(x)
	if v >= fxExpHi {
		return fxMax.float()
	}
	if v <= fxExpLo {
		return 0
	}

	k := fxRoundDiv(v, fxLn2)
	r := v - fx(k)*fxLn2

	sum := fxOne
	term := fxOne
	for n := int64(1); n < expTerms; n++ {
		term = fxMul(term, r) / fx(n)
		sum += term
	}

	// scale by 2**k with saturation
	switch {
	case k >= 0:
		if sum > fxMax>>uint(k) {
			return fxMax.float()
		}
		return (sum << uint(k)).float()
	case k <= -63:
		return 0
	default:
		return (sum >> uint(-k)).float()
	}
}

func (fixedBackend) Log(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return math.NaN()
	}
	if x == 0 {
		return math.Inf(-1)
	}
	v := toFx(x)
	if v <= 0 {
		// positive input below one fx LSB
		return fxExpLo.float()
	}

	// normalize mantissa to [1,2) in fx units
	p := bits.Len64(uint64(v)) - 1
	e := p - fxFracBits
	m := v
	if e > 0 {
		m = v >> uint(e)
	} else if e < 0 {
		m = v << uint(-e)
	}

	z := fxDiv(m-fxOne, m+fxOne)
	z2 := fxMul(z, z)
	sum := fx(0)
	zpow := z
	for n := int64(0); n < logTerms; n++ {
		sum += zpow / fx(2*n+1)
		zpow = fxMul(zpow, z2)
	}
	return (2*sum + fx(e)*fxLn2).float()
}

func (fixedBackend) Sqrt(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return math.NaN()
	}
	if x == 0 {
		return 0
	}
	v := toFx(x)
	if v <= 0 {
		return 0
	}
	// sqrt(v*2^48) in raw units keeps the Q16.48 point in place
	hi := uint64(v) >> (64 - fxFracBits)
	lo := uint64(v) << fxFracBits
	return fx(isqrt128(hi, lo)).float()
}

func (fixedBackend) Quantize(x float64) Q16 {
	if math.IsNaN(x) {
		warnClamp("nan", x)
		return 0
	}
	if x >= MaxValue {
		if x > MaxValue {
			warnClamp("overflow", x)
		}
		return Q16(rawMax)
	}
	if x < MinValue {
		warnClamp("underflow", x)
		return Q16(rawMin)
	}
	return fxToQ16(toFx(x))
}

// fxToQ16 drops 32 fractional bits with round half to even.
func fxToQ16(v fx) Q16 {
	const shift = fxFracBits - FracBits
	q := int64(v) >> shift
	rem := uint64(v) & (1<<shift - 1)
	const half = uint64(1) << (shift - 1)
	if rem > half || (rem == half && q&1 == 1) {
		q++
	}
	return FromRaw(q)
}

// isqrt128 returns floor(sqrt(hi<<64 | lo)) by the restoring shift-subtract
// method, one bit per step, 64 fixed steps.
func isqrt128(hi, lo uint64) uint64 {
	var mHi uint64 = 1 << 62
	var mLo, yHi, yLo uint64
	for mHi|mLo != 0 {
		bHi, bLo := yHi|mHi, yLo|mLo
		yLo = yLo>>1 | yHi<<63
		yHi >>= 1
		if hi > bHi || (hi == bHi && lo >= bLo) {
			var borrow uint64
			lo, borrow = bits.Sub64(lo, bLo, 0)
			hi, _ = bits.Sub64(hi, bHi, borrow)
			yHi |= mHi
			yLo |= mLo
		}
		mLo = mLo>>2 | mHi<<62
		mHi >>= 2
	}
	return yLo
}
