package arbiter

import (
	"testing"
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
	"github.com/banshee-data/depth.fusion/internal/fusion/gate"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/fusion/uncertainty"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArbitrator(t *testing.T, be detmath.Backend, clock timeutil.Clock) *Arbitrator {
	t.Helper()
	prop, err := uncertainty.NewPropagator(be, uncertainty.DefaultRegistry(), uncertainty.DefaultConfig())
	require.NoError(t, err)
	a, err := New(Options{
		Backend:    be,
		Tracker:    gate.NewTracker(gate.DefaultConfig()),
		Model:      noise.NewModel(be, noise.DefaultParams()),
		Propagator: prop,
		Clock:      clock,
	})
	require.NoError(t, err)
	return a
}

func testInput(id string, depth, conf, health float64) fusion.SourceInput {
	return fusion.SourceInput{
		Sample: fusion.SourceSample{SourceID: id, Depth: depth, Confidence: conf},
		Health: health,
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	be := detmath.Float()
	tracker := gate.NewTracker(gate.DefaultConfig())
	model := noise.NewModel(be, noise.DefaultParams())
	prop, err := uncertainty.NewPropagator(be, uncertainty.DefaultRegistry(), uncertainty.DefaultConfig())
	require.NoError(t, err)

	_, err = New(Options{Tracker: tracker, Model: model, Propagator: prop})
	assert.Error(t, err, "backend required")
	_, err = New(Options{Backend: be, Model: model, Propagator: prop})
	assert.Error(t, err, "tracker required")
	_, err = New(Options{Backend: be, Tracker: tracker, Propagator: prop})
	assert.Error(t, err, "model required")
	_, err = New(Options{Backend: be, Tracker: tracker, Model: model})
	assert.Error(t, err, "propagator required")

	a, err := New(Options{Backend: be, Tracker: tracker, Model: model, Propagator: prop})
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestFuseSingleHealthySource(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := newTestArbitrator(t, detmath.Float(), clock)

	frame := &fusion.Frame{
		Seq:            1,
		TimestampNanos: clock.Now().UnixNano() - 5*time.Millisecond.Nanoseconds(),
		Inputs:         []fusion.SourceInput{testInput("stereo0", 2.0, 0.5, 0.8)},
	}
	res, err := a.Fuse(frame)
	require.NoError(t, err)

	// health 0.8 ramps past the gate ceiling on the first frame
	require.Len(t, res.Contributions, 1)
	c := res.Contributions[0]
	assert.Equal(t, "stereo0", c.SourceID)
	assert.Equal(t, string(gate.SourceEnabled), c.State)
	assert.Empty(t, c.Excluded)
	assert.InDelta(t, 1.0, c.Gate.Float(), 1e-4)
	assert.InDelta(t, 0.017, c.Sigma.Float(), 1e-4)
	assert.Equal(t, 1.0, c.Weight.Float(), "a lone source carries the whole share")

	// single source: weighted mean collapses to the sample
	assert.Equal(t, 2.0, res.Depth.Float())
	assert.InDelta(t, 1.0, res.GateAggregate.Float(), 1e-4)

	// total variance is sigma^2 alone; penalty 1 - 2*sigma
	assert.InDelta(t, 0.017*0.017, res.TotalVariance.Float(), 1e-4)
	assert.InDelta(t, 1-2*0.017, res.Penalty.Float(), 1e-3)
	assert.InDelta(t, 0.5*(1-2*0.017), res.Quality.Float(), 1e-3)

	assert.Equal(t, uint64(1), res.FrameSeq)
	assert.Equal(t, 1, res.SourceCount)
	assert.Equal(t, 5*time.Millisecond.Nanoseconds(), res.LatencyNanos)
	assert.Equal(t, 0, res.DroppedDuplicates)

	st := a.Stats()
	assert.Equal(t, uint64(1), st.FramesFused)
	assert.Equal(t, uint64(0), st.NoSourceFrames)
}

func TestFuseNoValidSource(t *testing.T) {
	t.Parallel()

	a := newTestArbitrator(t, detmath.Float(), timeutil.NewMockClock(time.Unix(1000, 0)))

	frame := &fusion.Frame{Seq: 1, Inputs: []fusion.SourceInput{
		testInput("a", 2.0, 0, 0.9),
		testInput("b", 3.0, -1, 0.9),
	}}
	res, err := a.Fuse(frame)
	require.ErrorIs(t, err, fusion.ErrNoValidSource)
	assert.Nil(t, res)

	st := a.Stats()
	assert.Equal(t, uint64(0), st.FramesFused)
	assert.Equal(t, uint64(1), st.NoSourceFrames)
	assert.Equal(t, uint64(1), st.LastFrameSeq)
}

// Invalid samples must still advance the health tracker, otherwise a
// source producing garbage never reaches hard-disable.
func TestFuseInvalidSamplesStillDriveGateStreaks(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	be := detmath.Float()
	tracker := gate.NewTracker(gate.DefaultConfig())
	prop, err := uncertainty.NewPropagator(be, uncertainty.DefaultRegistry(), uncertainty.DefaultConfig())
	require.NoError(t, err)
	a, err := New(Options{
		Backend: be, Tracker: tracker,
		Model: noise.NewModel(be, noise.DefaultParams()), Propagator: prop,
		Clock: clock,
	})
	require.NoError(t, err)

	for seq := uint64(1); seq <= 5; seq++ {
		frame := &fusion.Frame{Seq: seq, Inputs: []fusion.SourceInput{
			testInput("flaky", 2.0, 0, 0.02),
			testInput("good", 2.0, 0.8, 0.9),
		}}
		_, err := a.Fuse(frame)
		require.NoError(t, err)
	}
	assert.True(t, tracker.HardDisabled("flaky"),
		"five frames of collapsed health latch the source even when its samples are invalid")
	assert.False(t, tracker.HardDisabled("good"))
}

func TestFuseDropsDuplicateSources(t *testing.T) {
	t.Parallel()

	a := newTestArbitrator(t, detmath.Float(), timeutil.NewMockClock(time.Unix(1000, 0)))

	frame := &fusion.Frame{Seq: 1, Inputs: []fusion.SourceInput{
		testInput("b", 3.0, 0.8, 0.9),
		testInput("a", 2.0, 0.8, 0.9),
		testInput("a", 9.0, 0.8, 0.9), // repeat slot, must not contribute
	}}
	res, err := a.Fuse(frame)
	require.NoError(t, err)

	assert.Equal(t, 1, res.DroppedDuplicates)
	require.Len(t, res.Contributions, 2)
	assert.Equal(t, "a", res.Contributions[0].SourceID)
	assert.Equal(t, 2.0, res.Contributions[0].Depth.Float(), "first offered sample wins")
	assert.Equal(t, "b", res.Contributions[1].SourceID)

	// fused depth stays inside the surviving samples
	assert.Greater(t, res.Depth.Float(), 2.0-1e-9)
	assert.Less(t, res.Depth.Float(), 3.0+1e-9)
}

func TestFuseExcludedSourceRaisesAnomalyVariance(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	aAll := newTestArbitrator(t, detmath.Float(), clock)
	aOne := newTestArbitrator(t, detmath.Float(), clock)

	full := &fusion.Frame{Seq: 1, Inputs: []fusion.SourceInput{
		testInput("a", 2.0, 0.8, 0.9),
		testInput("b", 2.0, 0.8, 0.9),
	}}
	resFull, err := aAll.Fuse(full)
	require.NoError(t, err)

	half := &fusion.Frame{Seq: 1, Inputs: []fusion.SourceInput{
		testInput("a", 2.0, 0.8, 0.9),
		testInput("b", 2.0, 0, 0.9), // invalid
	}}
	resHalf, err := aOne.Fuse(half)
	require.NoError(t, err)

	require.Len(t, resHalf.Contributions, 2)
	assert.Equal(t, fusion.ExcludedInvalid, resHalf.Contributions[1].Excluded)
	assert.Equal(t, detmath.Q16(0), resHalf.Contributions[1].Weight)
	assert.Equal(t, 1, resHalf.SourceCount)

	// losing a source both widens 1/sum(w) and adds the anomaly share
	assert.Greater(t, resHalf.TotalVariance.Float(), resFull.TotalVariance.Float())
	assert.Less(t, resHalf.Quality.Float(), resFull.Quality.Float())
}

func TestFuseWeightsAreShares(t *testing.T) {
	t.Parallel()

	a := newTestArbitrator(t, detmath.Float(), timeutil.NewMockClock(time.Unix(1000, 0)))

	frame := &fusion.Frame{Seq: 1, Inputs: []fusion.SourceInput{
		testInput("near", 2.0, 0.9, 0.9),
		testInput("far", 5.0, 0.4, 0.6),
	}}
	res, err := a.Fuse(frame)
	require.NoError(t, err)

	require.Len(t, res.Contributions, 2)
	sum := 0.0
	for _, c := range res.Contributions {
		w := c.Weight.Float()
		assert.Greater(t, w, 0.0, "source %s", c.SourceID)
		assert.Less(t, w, 1.0, "source %s", c.SourceID)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-3, "shares sum to one")

	// the near sample is both more confident and closer, so it dominates
	assert.Greater(t, res.Contributions[1].Weight.Float(), res.Contributions[0].Weight.Float())
}

func TestFuseDepthJumpDrivesPenaltyToFloor(t *testing.T) {
	t.Parallel()

	a := newTestArbitrator(t, detmath.Float(), timeutil.NewMockClock(time.Unix(1000, 0)))

	f1 := &fusion.Frame{Seq: 1, Inputs: []fusion.SourceInput{testInput("a", 2.0, 0.8, 0.9)}}
	res1, err := a.Fuse(f1)
	require.NoError(t, err)

	f2 := &fusion.Frame{Seq: 2, Inputs: []fusion.SourceInput{testInput("a", 4.0, 0.8, 0.9)}}
	res2, err := a.Fuse(f2)
	require.NoError(t, err)

	// a two-metre jump puts four square metres of temporal variance in;
	// the penalty clamps at its floor
	assert.Equal(t, 0.5, res2.Penalty.Float())
	assert.Less(t, res2.Quality.Float(), res1.Quality.Float())
	assert.GreaterOrEqual(t, res2.TotalVariance.Float(), 4.0-1e-3)
}

// Three sources at steady health 0.8 / 0.05 / 0.5: the first saturates its
// gate, the second hard-disables after five frames, the third settles at
// the 0.75 ramp value.
func TestFuseSustainedHealthTrajectories(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	be := detmath.Float()
	tracker := gate.NewTracker(gate.DefaultConfig())
	prop, err := uncertainty.NewPropagator(be, uncertainty.DefaultRegistry(), uncertainty.DefaultConfig())
	require.NoError(t, err)
	a, err := New(Options{
		Backend: be, Tracker: tracker,
		Model: noise.NewModel(be, noise.DefaultParams()), Propagator: prop,
		Clock: clock,
	})
	require.NoError(t, err)

	var last *fusion.Result
	for seq := uint64(1); seq <= 10; seq++ {
		frame := &fusion.Frame{Seq: seq, Inputs: []fusion.SourceInput{
			testInput("alpha", 2.0, 0.7, 0.8),
			testInput("beta", 2.0, 0.7, 0.05),
			testInput("gamma", 2.0, 0.7, 0.5),
		}}
		last, err = a.Fuse(frame)
		require.NoError(t, err, "frame %d", seq)
	}

	require.Len(t, last.Contributions, 3)
	alpha, beta, gamma := last.Contributions[0], last.Contributions[1], last.Contributions[2]

	assert.InDelta(t, 1.0, alpha.Gate.Float(), 1e-4)
	assert.Empty(t, alpha.Excluded)

	assert.Equal(t, detmath.Q16(0), beta.Gate)
	assert.Equal(t, fusion.ExcludedHardDisabled, beta.Excluded)
	assert.True(t, tracker.HardDisabled("beta"))

	assert.InDelta(t, 0.75, gamma.Gate.Float(), 1e-4)
	assert.Empty(t, gamma.Excluded)

	assert.Equal(t, 2.0, last.Depth.Float())
	assert.Equal(t, 2, last.SourceCount)
	// (w_a*1 + w_g*0.75) / (w_a + w_g) with w = gate/sigma^2
	assert.InDelta(t, (1+0.75*0.75)/1.75, last.GateAggregate.Float(), 1e-3)
}

func fuseSequence(t *testing.T, be detmath.Backend) []*fusion.Result {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := newTestArbitrator(t, be, clock)

	var results []*fusion.Result
	for i := 0; i < 12; i++ {
		fi := float64(i)
		frame := &fusion.Frame{
			Seq:            uint64(i + 1),
			TimestampNanos: int64(i+1) * 33_000_000,
			Inputs: []fusion.SourceInput{
				testInput("near", 0.5+0.31*fi, 0.9-0.05*float64(i%3), 0.55+0.04*float64(i%5)),
				testInput("mid", 2.0+0.17*fi, 0.6, 0.8),
				testInput("far", 6.0-0.21*fi, 0.35, 0.42),
			},
		}
		if i == 4 {
			frame.Inputs[1].Sample.Confidence = 0 // one invalid frame for mid
		}
		if i == 7 {
			frame.Inputs = append(frame.Inputs, testInput("mid", 9.9, 0.99, 0.99))
		}
		res, err := a.Fuse(frame)
		require.NoError(t, err)
		results = append(results, res)
	}
	return results
}

func TestFuseBitIdenticalAcrossRuns(t *testing.T) {
	t.Parallel()

	first := fuseSequence(t, detmath.Float())
	second := fuseSequence(t, detmath.Float())
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i], second[i], "frame %d must replay bit-identically", i+1)
	}
}

func TestFuseBackendsAgreeWithinTolerance(t *testing.T) {
	t.Parallel()

	flt := fuseSequence(t, detmath.Float())
	fxd := fuseSequence(t, detmath.Fixed())
	require.Len(t, fxd, len(flt))

	// The exp/log/sqrt steps each agree to one quantization step, and the
	// pipeline compounds a handful of them; logit space amplifies the
	// quality drift further. Sixteen raw steps is 2.4e-4.
	const tolSteps = int64(16)
	check := func(frame int, name string, a, b detmath.Q16) {
		d := a.Raw() - b.Raw()
		if d < 0 {
			d = -d
		}
		assert.LessOrEqual(t, d, tolSteps, "frame %d field %s: %d vs %d", frame, name, a.Raw(), b.Raw())
	}
	for i := range flt {
		f, x := flt[i], fxd[i]
		check(i+1, "fused_depth", f.Depth, x.Depth)
		check(i+1, "fused_quality", f.Quality, x.Quality)
		check(i+1, "quality_logit", f.QualityLogit, x.QualityLogit)
		check(i+1, "gate_aggregate", f.GateAggregate, x.GateAggregate)
		check(i+1, "uncertainty_penalty", f.Penalty, x.Penalty)
		check(i+1, "total_variance", f.TotalVariance, x.TotalVariance)
		require.Len(t, x.Contributions, len(f.Contributions))
		for j := range f.Contributions {
			fc, xc := f.Contributions[j], x.Contributions[j]
			check(i+1, "gate/"+fc.SourceID, fc.Gate, xc.Gate)
			check(i+1, "noise_sigma/"+fc.SourceID, fc.Sigma, xc.Sigma)
			check(i+1, "fusion_weight/"+fc.SourceID, fc.Weight, xc.Weight)
			check(i+1, "source_depth/"+fc.SourceID, fc.Depth, xc.Depth)
		}
	}
}

func TestResetHistoryClearsTemporalVariance(t *testing.T) {
	t.Parallel()

	a := newTestArbitrator(t, detmath.Float(), timeutil.NewMockClock(time.Unix(1000, 0)))

	f1 := &fusion.Frame{Seq: 1, Inputs: []fusion.SourceInput{testInput("a", 2.0, 0.8, 0.9)}}
	_, err := a.Fuse(f1)
	require.NoError(t, err)

	a.ResetHistory()

	// a three-metre jump right after a reset carries no temporal variance,
	// so the penalty stays well off its floor
	f2 := &fusion.Frame{Seq: 2, Inputs: []fusion.SourceInput{testInput("a", 5.0, 0.8, 0.9)}}
	res2, err := a.Fuse(f2)
	require.NoError(t, err)
	assert.Less(t, res2.TotalVariance.Float(), 0.1)
	assert.Greater(t, res2.Penalty.Float(), 0.5)
}
