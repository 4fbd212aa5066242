package verify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/arbiter"
	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
	"github.com/banshee-data/depth.fusion/internal/fusion/gate"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/fusion/uncertainty"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
)

// crossDiffLimit caps how many field deltas one cross-backend mismatch
// reports before truncating.
const crossDiffLimit = 20

// Mismatch is one detected divergence.
type Mismatch struct {
	// Kind is "replay" for within-backend divergence or "cross_backend"
	// for float-vs-fixed disagreement beyond tolerance.
	Kind    string `json:"kind"`
	Backend string `json:"backend"`
	Run     int    `json:"run,omitempty"`
	Diff    string `json:"diff"`
}

// Report is the outcome of one harness session.
type Report struct {
	RunID  string `json:"run_id"`
	Runs   int    `json:"runs"`
	Frames int    `json:"frames"`
	Passed bool   `json:"passed"`

	// Fingerprints holds the baseline fingerprint per backend name.
	Fingerprints map[string]Fingerprint `json:"fingerprints"`

	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// HarnessConfig tunes a verification session. Zero values fall back to
// production defaults, so HarnessConfig{} is a valid full run.
type HarnessConfig struct {
	// Runs is the replay count per backend.
	Runs int

	// Backends to verify. The first is the cross-check reference.
	Backends []detmath.Backend

	// CrossToleranceRaw is the allowed per-field difference between
	// backends, in raw Q16 steps. Zero selects the production default.
	CrossToleranceRaw int64

	GateConfig     gate.Config
	FallbackParams noise.Params
	SourceParams   map[string]noise.Params
	Uncertainty    uncertainty.Config
	Pairs          *uncertainty.Registry
}

// DefaultHarnessConfig is the production verification profile: 100 replays
// per backend, and a cross-backend tolerance of 64 raw steps (about a
// millimetre at depth scale). Replays within one backend are compared
// bit-exactly regardless; the tolerance only covers float-versus-fixed
// drift, which compounds through the exp/log/sqrt steps and is amplified
// in logit space.
func DefaultHarnessConfig() HarnessConfig {
	return HarnessConfig{
		Runs:              100,
		Backends:          detmath.AllBackends(),
		CrossToleranceRaw: 64,
		GateConfig:        gate.DefaultConfig(),
		FallbackParams:    noise.DefaultParams(),
		Uncertainty:       uncertainty.DefaultConfig(),
		Pairs:             uncertainty.DefaultRegistry(),
	}
}

// Harness replays frame sequences through throwaway engines.
type Harness struct {
	cfg   HarnessConfig
	runID string
}

// NewHarness validates the configuration and fills defaults.
func NewHarness(cfg HarnessConfig) (*Harness, error) {
	if cfg.Runs <= 0 {
		cfg.Runs = 100
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = detmath.AllBackends()
	}
	if cfg.CrossToleranceRaw < 0 {
		return nil, fmt.Errorf("cross tolerance must be non-negative, got %d", cfg.CrossToleranceRaw)
	}
	if cfg.CrossToleranceRaw == 0 {
		cfg.CrossToleranceRaw = 64
	}
	if cfg.GateConfig == (gate.Config{}) {
		cfg.GateConfig = gate.DefaultConfig()
	}
	if err := cfg.GateConfig.Validate(); err != nil {
		return nil, fmt.Errorf("gate config: %w", err)
	}
	if cfg.FallbackParams == (noise.Params{}) {
		cfg.FallbackParams = noise.DefaultParams()
	}
	if err := cfg.FallbackParams.Validate(); err != nil {
		return nil, fmt.Errorf("fallback params: %w", err)
	}
	if cfg.Uncertainty == (uncertainty.Config{}) {
		cfg.Uncertainty = uncertainty.DefaultConfig()
	}
	if cfg.Pairs == nil {
		cfg.Pairs = uncertainty.DefaultRegistry()
	}
	return &Harness{cfg: cfg, runID: uuid.NewString()}, nil
}

// RunID identifies this session in reports and golden files.
func (h *Harness) RunID() string { return h.runID }

// Run replays frames cfg.Runs times per backend, asserts bit-identical
// fingerprints within each backend, then cross-checks the backends against
// each other at the raw tolerance. Every engine is built fresh, so no
// state leaks between replays.
func (h *Harness) Run(frames []fusion.Frame) (*Report, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to replay")
	}

	report := &Report{
		RunID:        h.runID,
		Runs:         h.cfg.Runs,
		Frames:       len(frames),
		Fingerprints: make(map[string]Fingerprint, len(h.cfg.Backends)),
	}

	for _, be := range h.cfg.Backends {
		base, err := h.Replay(be, frames)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", be.Name(), err)
		}
		report.Fingerprints[be.Name()] = base

		for run := 2; run <= h.cfg.Runs; run++ {
			fp, err := h.Replay(be, frames)
			if err != nil {
				return nil, fmt.Errorf("backend %s run %d: %w", be.Name(), run, err)
			}
			if diff := cmp.Diff(base, fp); diff != "" {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Kind:    "replay",
					Backend: be.Name(),
					Run:     run,
					Diff:    diff,
				})
				// The first divergence is the actionable one.
				break
			}
		}
	}

	if len(h.cfg.Backends) > 1 {
		ref := report.Fingerprints[h.cfg.Backends[0].Name()]
		for _, be := range h.cfg.Backends[1:] {
			other := report.Fingerprints[be.Name()]
			if diff := crossDiff(ref, other, h.cfg.CrossToleranceRaw); diff != "" {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Kind:    "cross_backend",
					Backend: ref.Backend + " vs " + other.Backend,
					Diff:    diff,
				})
			}
		}
	}

	report.Passed = len(report.Mismatches) == 0
	return report, nil
}

// Replay runs the frame sequence once through a fresh engine on the given
// backend and fingerprints the output.
func (h *Harness) Replay(be detmath.Backend, frames []fusion.Frame) (Fingerprint, error) {
	arb, err := h.newEngine(be)
	if err != nil {
		return Fingerprint{}, err
	}

	digests := make([]FrameDigest, 0, len(frames))
	for i := range frames {
		// Fuse sorts inputs in place; replay from a copy so the caller's
		// schedule stays byte-identical for the next run.
		frame := cloneFrame(frames[i])
		res, err := arb.Fuse(&frame)
		if err != nil {
			if errors.Is(err, fusion.ErrNoValidSource) {
				digests = append(digests, NoSourceDigest(frame.Seq))
				continue
			}
			return Fingerprint{}, fmt.Errorf("fuse frame %d: %w", frame.Seq, err)
		}
		digests = append(digests, DigestResult(res))
	}

	return NewFingerprint(h.runID, be.Name(), digests), nil
}

func (h *Harness) newEngine(be detmath.Backend) (*arbiter.Arbitrator, error) {
	tracker := gate.NewTracker(h.cfg.GateConfig)
	model := noise.NewModel(be, h.cfg.FallbackParams)
	for id, p := range h.cfg.SourceParams {
		model.Replace(id, p)
	}
	prop, err := uncertainty.NewPropagator(be, h.cfg.Pairs, h.cfg.Uncertainty)
	if err != nil {
		return nil, err
	}
	return arbiter.New(arbiter.Options{
		Backend:    be,
		Tracker:    tracker,
		Model:      model,
		Propagator: prop,
		// Latency is an ignored key, but a frozen clock keeps replays
		// hermetic anyway.
		Clock: timeutil.NewMockClock(time.Unix(0, 0)),
	})
}

func cloneFrame(f fusion.Frame) fusion.Frame {
	out := f
	out.Inputs = make([]fusion.SourceInput, len(f.Inputs))
	copy(out.Inputs, f.Inputs)
	return out
}

// crossDiff compares two fingerprints field by field, allowing tol raw
// steps of disagreement. The returned string is empty on agreement.
func crossDiff(a, b Fingerprint, tol int64) string {
	if len(a.Frames) != len(b.Frames) {
		return fmt.Sprintf("frame count: %s has %d, %s has %d",
			a.Backend, len(a.Frames), b.Backend, len(b.Frames))
	}

	var lines []string
	add := func(format string, args ...interface{}) bool {
		if len(lines) >= crossDiffLimit {
			return false
		}
		lines = append(lines, fmt.Sprintf(format, args...))
		return true
	}

	truncated := false
	for i := range a.Frames {
		fa, fb := a.Frames[i], b.Frames[i]
		if fa.FrameSeq != fb.FrameSeq {
			if !add("frame %d: seq %d vs %d", i, fa.FrameSeq, fb.FrameSeq) {
				truncated = true
				break
			}
			continue
		}
		if fa.NoValidSource != fb.NoValidSource {
			if !add("frame %d: no-valid-source %v vs %v", fa.FrameSeq, fa.NoValidSource, fb.NoValidSource) {
				truncated = true
				break
			}
			continue
		}
		for _, name := range sortedFieldUnion(fa.Fields, fb.Fields) {
			av, inA := fa.Fields[name]
			bv, inB := fb.Fields[name]
			switch {
			case !inB:
				if !add("frame %d: %s only in %s", fa.FrameSeq, name, a.Backend) {
					truncated = true
				}
			case !inA:
				if !add("frame %d: %s only in %s", fb.FrameSeq, name, b.Backend) {
					truncated = true
				}
			default:
				d := av - bv
				if d < 0 {
					d = -d
				}
				if d > tol {
					if !add("frame %d: %s = %d vs %d (delta %d > tol %d)",
						fa.FrameSeq, name, av, bv, d, tol) {
						truncated = true
					}
				}
			}
		}
		if truncated {
			break
		}
	}

	if len(lines) == 0 {
		return ""
	}
	if truncated {
		lines = append(lines, "... (further deltas truncated)")
	}
	return strings.Join(lines, "\n")
}

func sortedFieldUnion(a, b map[string]int64) []string {
	names := make([]string, 0, len(a)+len(b))
	for name := range a {
		names = append(names, name)
	}
	for name := range b {
		if _, ok := a[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
