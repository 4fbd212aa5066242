package verify

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
)

func TestGoldenRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, HarnessConfig{})
	fp, err := h.Replay(detmath.Float(), SyntheticFrames(10, []string{"tof0", "stereo0"}))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "fusion.golden.json")
	require.NoError(t, WriteGolden(path, fp))

	back, err := ReadGolden(path)
	require.NoError(t, err)
	assert.Equal(t, fp, back, "the golden file carries raw integers, nothing lossy")
}

func TestCompareGoldenIgnoresRunID(t *testing.T) {
	t.Parallel()

	frames := []FrameDigest{fd(1, map[string]int64{"fused_depth": 131072})}
	a := NewFingerprint("session-a", "float", frames)
	b := NewFingerprint("session-b", "float", frames)

	assert.Empty(t, CompareGolden(a, b))
}

func TestCompareGoldenCatchesFieldDrift(t *testing.T) {
	t.Parallel()

	want := NewFingerprint("old", "float", []FrameDigest{fd(1, map[string]int64{"fused_depth": 131072})})
	got := NewFingerprint("new", "float", []FrameDigest{fd(1, map[string]int64{"fused_depth": 131073})})

	diff := CompareGolden(got, want)
	require.NotEmpty(t, diff)
	assert.Contains(t, diff, "fused_depth")
}

func TestCompareGoldenCatchesChainTamper(t *testing.T) {
	t.Parallel()

	frames := []FrameDigest{fd(1, map[string]int64{"fused_depth": 131072})}
	want := NewFingerprint("old", "float", frames)
	got := want
	got.Chain++

	assert.NotEmpty(t, CompareGolden(got, want))
}

func TestReadGoldenMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ReadGolden(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
