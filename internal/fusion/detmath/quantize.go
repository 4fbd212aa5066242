package detmath

import (
	"math"
	"strconv"
	"sync/atomic"

	"github.com/banshee-data/depth.fusion/internal/monitoring"
)

// Q16.16 fixed point: 16 integer bits, 16 fractional bits, carried in an
// int64. One LSB is 1/65536 ≈ 1.5e-5, which is far below sensor noise for
// depth in metres and quality in [0,1].
const (
	// FracBits is the number of fractional bits in a Q16 value.
	FracBits = 16

	// Scale is the multiplier between real values and raw Q16 integers.
	Scale = 1 << FracBits

	// rawMax and rawMin bound the representable raw range. Values outside
	// clamp rather than wrap.
	rawMax = int64(math.MaxInt32)
	rawMin = int64(math.MinInt32)
)

// MaxValue and MinValue are the largest and smallest representable Q16
// values in real units.
var (
	MaxValue = float64(rawMax) / Scale
	MinValue = float64(rawMin) / Scale
)

// Q16 is a quantized Q16.16 fixed-point value. The zero value is 0.0.
// It marshals to JSON as its raw integer so serialized results compare
// bit-exactly across platforms.
type Q16 int64

// overflowCount tracks clamped quantizations for monitoring. Clamping is
// never fatal; a spray of clamps points at a unit error upstream.
var overflowCount atomic.Uint64

// warnEvery rate-limits clamp logging: the first few clamps log, then one
// in every 1024.
const warnEvery = 1024

func warnClamp(kind string, x float64) {
	n := overflowCount.Add(1)
	if n <= 8 || n%warnEvery == 0 {
		monitoring.Logf("detmath: quantize %s clamp (value=%g, total=%d)", kind, x, n)
	}
}

// OverflowCount returns the number of quantizations clamped or zeroed so
// far in this process.
func OverflowCount() uint64 { return overflowCount.Load() }

// Quantize converts x to Q16.16: multiply by Scale, round half to even,
// clamp to the representable range. NaN quantizes to 0. Both clamp paths
// log through the rate-limited monitor hook and are never fatal.
func Quantize(x float64) Q16 {
	if math.IsNaN(x) {
		warnClamp("nan", x)
		return 0
	}
	scaled := math.RoundToEven(x * Scale)
	if scaled > float64(rawMax) {
		warnClamp("overflow", x)
		return Q16(rawMax)
	}
	if scaled < float64(rawMin) {
		warnClamp("underflow", x)
		return Q16(rawMin)
	}
	return Q16(int64(scaled))
}

// FromRaw builds a Q16 from a raw integer, clamping to the representable
// range. Used when reading fingerprints and stored results.
func FromRaw(raw int64) Q16 {
	if raw > rawMax {
		return Q16(rawMax)
	}
	if raw < rawMin {
		return Q16(rawMin)
	}
	return Q16(raw)
}

// Raw returns the underlying fixed-point integer.
func (q Q16) Raw() int64 { return int64(q) }

// Float converts back to float64. Exact: every raw value is representable.
func (q Q16) Float() float64 { return float64(q) / Scale }

// String renders the real value, not the raw integer.
func (q Q16) String() string {
	return strconv.FormatFloat(q.Float(), 'g', -1, 64)
}

// MarshalJSON emits the raw integer.
func (q Q16) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(q), 10), nil
}

// UnmarshalJSON accepts a raw integer and clamps it into range.
func (q *Q16) UnmarshalJSON(b []byte) error {
	raw, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*q = FromRaw(raw)
	return nil
}
