package detmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The two backends are independent implementations. Their agreement
// contract is one quantization LSB; within-backend replay is bit-exact and
// covered by the verify package.
func TestBackendsAgreeWithinOneLSB(t *testing.T) {
	t.Parallel()

	fl, fi := Float(), Fixed()

	t.Run("exp", func(t *testing.T) {
		t.Parallel()
		for x := -8.0; x <= 8.0; x += 0.37 {
			a := fl.Quantize(fl.Exp(x)).Raw()
			b := fi.Quantize(fi.Exp(x)).Raw()
			assert.LessOrEqual(t, absDiff(a, b), int64(1), "Exp(%g)", x)
		}
	})

	t.Run("log", func(t *testing.T) {
		t.Parallel()
		for _, x := range []float64{0.001, 0.01, 0.1, 0.5, 1, 1.7, 2, 3.14159, 10, 250, 5000, 30000} {
			a := fl.Quantize(fl.Log(x)).Raw()
			b := fi.Quantize(fi.Log(x)).Raw()
			assert.LessOrEqual(t, absDiff(a, b), int64(1), "Log(%g)", x)
		}
	})

	t.Run("sqrt", func(t *testing.T) {
		t.Parallel()
		for _, x := range []float64{1e-6, 0.0004, 0.04, 0.09, 0.25, 1, 2, 9, 100, 1234.5, 32000} {
			a := fl.Quantize(fl.Sqrt(x)).Raw()
			b := fi.Quantize(fi.Sqrt(x)).Raw()
			assert.LessOrEqual(t, absDiff(a, b), int64(1), "Sqrt(%g)", x)
		}
	})

	t.Run("quantize", func(t *testing.T) {
		t.Parallel()
		for _, x := range []float64{0, 1, -1, 0.5, 1.0 / Scale, 1234.5678, -0.25, MaxValue, MinValue} {
			assert.Equal(t, fl.Quantize(x).Raw(), fi.Quantize(x).Raw(), "Quantize(%g)", x)
		}
	})
}

func TestBackendsExactAnchors(t *testing.T) {
	t.Parallel()

	fl, fi := Float(), Fixed()

	// values whose results are exactly representable land identically
	assert.Equal(t, fl.Quantize(fl.Exp(0)).Raw(), fi.Quantize(fi.Exp(0)).Raw())
	assert.Equal(t, int64(Scale), fi.Quantize(fi.Exp(0)).Raw())

	assert.Equal(t, int64(0), fl.Quantize(fl.Log(1)).Raw())
	assert.Equal(t, int64(0), fi.Quantize(fi.Log(1)).Raw())

	assert.Equal(t, int64(2*Scale), fl.Quantize(fl.Sqrt(4)).Raw())
	assert.Equal(t, int64(2*Scale), fi.Quantize(fi.Sqrt(4)).Raw())

	// saturation collapses to the same clamped raw value
	assert.Equal(t, fl.Quantize(fl.Exp(40)).Raw(), fi.Quantize(fi.Exp(40)).Raw())
	assert.Equal(t, int64(math.MaxInt32), fi.Quantize(fi.Exp(40)).Raw())
}

func TestFixedBackendEdges(t *testing.T) {
	t.Parallel()

	fi := Fixed()

	assert.True(t, math.IsNaN(fi.Log(-1)))
	assert.True(t, math.IsInf(fi.Log(0), -1))
	assert.True(t, math.IsNaN(fi.Sqrt(-4)))
	assert.Equal(t, 0.0, fi.Sqrt(0))
	assert.True(t, math.IsNaN(fi.Exp(math.NaN())))
	assert.Equal(t, 0.0, fi.Exp(-100))
}

func TestIsqrt128(t *testing.T) {
	t.Parallel()

	cases := []struct {
		hi, lo uint64
		want   uint64
	}{
		{0, 0, 0},
		{0, 1, 1},
		{0, 4, 2},
		{0, 144, 12},
		{0, math.MaxUint32 * math.MaxUint32, math.MaxUint32},
		{1, 0, 1 << 32},                   // 2^64
		{0, 1<<62 + 1<<32 + 1, 1<<31 + 1}, // (2^31+1)^2
		{1 << 32, 0, 1 << 48},             // 2^96
	}
	for _, tc := range cases {
		got := isqrt128(tc.hi, tc.lo)
		require.Equal(t, tc.want, got, "isqrt128(%d,%d)", tc.hi, tc.lo)
	}

	// floor behaviour between perfect squares
	assert.Equal(t, uint64(2), isqrt128(0, 8))
	assert.Equal(t, uint64(3), isqrt128(0, 15))
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
