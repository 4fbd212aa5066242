// Package arbiter runs the per-frame fusion step: it gates each source's
// sample by tracked health, weights valid samples by inverse noise
// variance, folds the variance contributions into a quality penalty, and
// quantizes every decision-bearing output through the deterministic
// backend. One frame in, one result (or a no-valid-source rejection) out.
package arbiter

import (
	"fmt"
	"sync"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
	"github.com/banshee-data/depth.fusion/internal/fusion/gate"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/fusion/uncertainty"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
)

// logit clamp bounds keep the quality logit finite
const (
	logitFloor = 1e-4
	logitCeil  = 1 - 1e-4
)

// Options wires an Arbitrator's collaborators.
type Options struct {
	Backend    detmath.Backend
	Tracker    *gate.Tracker
	Model      *noise.Model
	Propagator *uncertainty.Propagator

	// Clock stamps result latency. Defaults to the real clock.
	Clock timeutil.Clock
}

// Stats counts arbitration outcomes since construction.
type Stats struct {
	FramesFused    uint64 `json:"frames_fused"`
	NoSourceFrames uint64 `json:"no_source_frames"`
	LastFrameSeq   uint64 `json:"last_frame_seq"`
}

// Arbitrator fuses one frame at a time. Fuse is safe for concurrent
// callers but serializes internally; the collector's callback goroutine is
// the intended single caller.
type Arbitrator struct {
	be    detmath.Backend
	track *gate.Tracker
	model *noise.Model
	prop  *uncertainty.Propagator
	clock timeutil.Clock

	mu        sync.Mutex
	prevDepth float64
	hasPrev   bool
	stats     Stats
}

// New builds an Arbitrator and validates that every field its results emit
// is classified in the determinism field registry. An unclassified field
// is a build defect, so construction fails rather than deferring to
// runtime.
func New(opts Options) (*Arbitrator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("arbiter: backend is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("arbiter: gate tracker is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("arbiter: noise model is required")
	}
	if opts.Propagator == nil {
		return nil, fmt.Errorf("arbiter: uncertainty propagator is required")
	}
	if err := detmath.ValidateFields(fusion.ResultFields()); err != nil {
		return nil, fmt.Errorf("arbiter: result field registry: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Arbitrator{
		be:    opts.Backend,
		track: opts.Tracker,
		model: opts.Model,
		prop:  opts.Propagator,
		clock: clock,
	}, nil
}

// Fuse arbitrates one frame. Inputs are sorted by source ID and duplicate
// sources dropped before any accumulation, so the floating-point order is
// identical on every platform. Health is fed to the gate tracker for every
// input, including excluded ones, so disable and recovery streaks keep
// advancing while a source produces garbage.
func (a *Arbitrator) Fuse(frame *fusion.Frame) (*fusion.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame.SortInputs()

	inputs := make([]fusion.SourceInput, 0, len(frame.Inputs))
	dropped := 0
	for i, in := range frame.Inputs {
		if i > 0 && in.Sample.SourceID == frame.Inputs[i-1].Sample.SourceID {
			dropped++
			continue
		}
		inputs = append(inputs, in)
	}

	contribs := make([]fusion.Contribution, 0, len(inputs))
	weights := make([]float64, 0, len(inputs))
	depths := make([]float64, 0, len(inputs))
	includedIdx := make([]int, 0, len(inputs))
	var sumW, sumWD, sumWQ, sumWG float64
	included := 0

	for _, in := range inputs {
		id := in.Sample.SourceID
		g := a.track.ComputeGate(id, in.Health)
		state, _ := a.track.State(id)

		contrib := fusion.Contribution{
			SourceID: id,
			Gate:     a.be.Quantize(g),
			Depth:    a.be.Quantize(in.Sample.Depth),
			State:    string(state),
		}

		switch {
		case !in.Sample.Valid():
			contrib.Excluded = fusion.ExcludedInvalid
		case a.track.HardDisabled(id):
			contrib.Excluded = fusion.ExcludedHardDisabled
		case g <= 0:
			contrib.Excluded = fusion.ExcludedZeroGate
		default:
			sigma, ok := a.model.Sigma(id, in.Sample.Depth, in.Sample.Confidence)
			if !ok {
				contrib.Excluded = fusion.ExcludedInvalid
				break
			}
			w := g / (sigma * sigma)
			q := clamp01(in.Sample.Confidence)

			sumW += w
			sumWD += w * in.Sample.Depth
			sumWQ += w * q
			sumWG += w * g
			weights = append(weights, w)
			depths = append(depths, in.Sample.Depth)
			includedIdx = append(includedIdx, len(contribs))
			included++

			contrib.Sigma = a.be.Quantize(sigma)
		}
		contribs = append(contribs, contrib)
	}

	if sumW <= 0 {
		a.stats.NoSourceFrames++
		a.stats.LastFrameSeq = frame.Seq
		diagf("frame %d: no valid source (%d inputs, %d duplicates dropped)",
			frame.Seq, len(inputs), dropped)
		return nil, fusion.ErrNoValidSource
	}

	// reported weights are each source's share of the frame total
	for k, ci := range includedIdx {
		contribs[ci].Weight = a.be.Quantize(weights[k] / sumW)
	}

	fusedDepth := sumWD / sumW
	meanQuality := sumWQ / sumW
	gateAgg := sumWG / sumW

	depthVar := 1 / sumW
	temporalVar := 0.0
	if a.hasPrev {
		d := fusedDepth - a.prevDepth
		temporalVar = d * d
	}
	disagreeVar := 0.0
	for i, w := range weights {
		d := depths[i] - fusedDepth
		disagreeVar += w * d * d
	}
	disagreeVar /= sumW
	excludedFrac := float64(len(inputs)-included) / float64(len(inputs))
	anomaly := excludedFrac * a.be.Sqrt(depthVar)
	anomalyVar := anomaly * anomaly

	combined := a.prop.Combine(map[string]float64{
		"depth_variance":        depthVar,
		"temporal_variance":     temporalVar,
		"disagreement_variance": disagreeVar,
		"anomaly_variance":      anomalyVar,
	})

	quality := gateAgg * meanQuality * combined.Penalty
	ql := quality
	if ql < logitFloor {
		ql = logitFloor
	}
	if ql > logitCeil {
		ql = logitCeil
	}
	logit := a.be.Log(ql / (1 - ql))

	latency := int64(0)
	if frame.TimestampNanos > 0 {
		latency = a.clock.Now().UnixNano() - frame.TimestampNanos
	}

	res := &fusion.Result{
		FrameSeq:          frame.Seq,
		TimestampNanos:    frame.TimestampNanos,
		LatencyNanos:      latency,
		SourceCount:       included,
		Depth:             a.be.Quantize(fusedDepth),
		Quality:           a.be.Quantize(quality),
		QualityLogit:      a.be.Quantize(logit),
		GateAggregate:     a.be.Quantize(gateAgg),
		Penalty:           a.be.Quantize(combined.Penalty),
		TotalVariance:     a.be.Quantize(combined.TotalVariance),
		Contributions:     contribs,
		DroppedDuplicates: dropped,
	}

	a.prevDepth = fusedDepth
	a.hasPrev = true
	a.stats.FramesFused++
	a.stats.LastFrameSeq = frame.Seq

	tracef("frame %d: depth=%.4f quality=%.4f sources=%d/%d penalty=%.4f",
		frame.Seq, fusedDepth, quality, included, len(inputs), combined.Penalty)
	return res, nil
}

// ResetHistory clears the previous-frame depth so the next result carries
// no temporal variance. Replay harnesses call this between runs.
func (a *Arbitrator) ResetHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevDepth = 0
	a.hasPrev = false
}

// Stats returns a snapshot of arbitration counters.
func (a *Arbitrator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
