// Package noise owns the parametric per-sample noise model and its
// calibration fit. The model maps a {depth, confidence} pair to a sigma
// estimate; the arbitrator turns sigma into an inverse-variance fusion
// weight. Parameter sets are immutable values published by atomic
// whole-table replacement, so the fusion loop never sees a half-updated
// model and never blocks on calibration.
package noise

import (
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
)

// Parameter bounds. Validate and the calibration clamps share them.
const (
	MinSigmaBase = 0.001
	MaxSigmaBase = 0.1
	MinAlpha     = 0.5
	MaxAlpha     = 3.0
	MinBeta      = 0.0
	MaxBeta      = 0.9
)

const (
	// RefDepth normalizes the depth power term: sigma grows as
	// (depth/RefDepth)^Alpha.
	RefDepth = 2.0

	// MinConfidenceEffect floors the confidence discount so barely
	// confident samples are not treated as noise-free or noise-infinite.
	MinConfidenceEffect = 0.1

	// minDepth keeps the power term's log in domain.
	minDepth = 1e-3
)

// Params is one immutable noise parameter set.
type Params struct {
	// SigmaBase is the noise scale at RefDepth for a zero-confidence
	// sample, in metres.
	SigmaBase float64 `json:"sigma_base"`

	// Alpha is the depth growth exponent.
	Alpha float64 `json:"alpha"`

	// Beta is the confidence discount factor.
	Beta float64 `json:"beta"`

	// SigmaFloor is the hard lower bound on any sigma estimate.
	SigmaFloor float64 `json:"sigma_floor"`
}

// DefaultParams returns the uncalibrated starting point.
func DefaultParams() Params {
	return Params{
		SigmaBase:  0.02,
		Alpha:      1.5,
		Beta:       0.3,
		SigmaFloor: 0.005,
	}
}

// Validate checks the parameter bounds.
func (p Params) Validate() error {
	if p.SigmaBase < MinSigmaBase || p.SigmaBase > MaxSigmaBase {
		return fmt.Errorf("sigma base %.5f outside [%.3f, %.3f]", p.SigmaBase, MinSigmaBase, MaxSigmaBase)
	}
	if p.Alpha < MinAlpha || p.Alpha > MaxAlpha {
		return fmt.Errorf("alpha %.3f outside [%.1f, %.1f]", p.Alpha, MinAlpha, MaxAlpha)
	}
	if p.Beta < MinBeta || p.Beta > MaxBeta {
		return fmt.Errorf("beta %.3f outside [%.1f, %.1f]", p.Beta, MinBeta, MaxBeta)
	}
	if p.SigmaFloor <= 0 {
		return fmt.Errorf("sigma floor must be positive, got %.6f", p.SigmaFloor)
	}
	return nil
}

// Clamped returns a copy with every parameter forced into its valid range.
func (p Params) Clamped() Params {
	out := p
	if out.SigmaBase < MinSigmaBase {
		out.SigmaBase = MinSigmaBase
	}
	if out.SigmaBase > MaxSigmaBase {
		out.SigmaBase = MaxSigmaBase
	}
	if out.Alpha < MinAlpha {
		out.Alpha = MinAlpha
	}
	if out.Alpha > MaxAlpha {
		out.Alpha = MaxAlpha
	}
	if out.Beta < MinBeta {
		out.Beta = MinBeta
	}
	if out.Beta > MaxBeta {
		out.Beta = MaxBeta
	}
	if out.SigmaFloor <= 0 {
		out.SigmaFloor = DefaultParams().SigmaFloor
	}
	return out
}

// paramTable is the atomically swapped value: a per-source map plus the
// fallback for sources without a fitted set. The map is never mutated
// after publication.
type paramTable struct {
	params   map[string]Params
	fallback Params
}

// Model answers sigma queries for the fusion loop. Readers take no locks.
type Model struct {
	be    detmath.Backend
	table atomic.Pointer[paramTable]
}

// NewModel builds a model with the given deterministic backend and the
// fallback parameter set for unknown sources.
func NewModel(be detmath.Backend, fallback Params) *Model {
	m := &Model{be: be}
	m.table.Store(&paramTable{
		params:   map[string]Params{},
		fallback: fallback,
	})
	return m
}

// Sigma estimates the noise of one sample. ok is false when the sample is
// invalid (confidence at or below zero); that is an exclusion, not an
// error. Valid results are never below the source's sigma floor.
func (m *Model) Sigma(sourceID string, depth, confidence float64) (float64, bool) {
	if confidence <= 0 {
		return 0, false
	}
	return sigmaWith(m.be, m.ParamsFor(sourceID), depth, confidence), true
}

// sigmaWith is the shared prediction kernel: the calibration fit must
// predict through the exact same path the live model uses.
func sigmaWith(be detmath.Backend, p Params, depth, confidence float64) float64 {
	confEff := confidence
	if confEff < MinConfidenceEffect {
		confEff = MinConfidenceEffect
	}
	d := depth
	if d < minDepth {
		d = minDepth
	}

	// (d/RefDepth)^Alpha through the deterministic layer; sigma feeds
	// determinism-key outputs and must not touch libm
	pow := be.Exp(p.Alpha * be.Log(d/RefDepth))
	raw := p.SigmaBase * pow * (1 - p.Beta*confEff)
	if raw < p.SigmaFloor {
		return p.SigmaFloor
	}
	return raw
}

// ParamsFor returns the installed parameters for a source, falling back to
// the model default for sources never calibrated.
func (m *Model) ParamsFor(sourceID string) Params {
	t := m.table.Load()
	if p, ok := t.params[sourceID]; ok {
		return p
	}
	return t.fallback
}

// AllParams returns a copy of the per-source table plus the fallback under
// the empty key.
func (m *Model) AllParams() map[string]Params {
	t := m.table.Load()
	out := make(map[string]Params, len(t.params)+1)
	for id, p := range t.params {
		out[id] = p
	}
	out[""] = t.fallback
	return out
}

// Replace publishes a new parameter set for one source. The whole table is
// swapped; concurrent readers see either the old set or the new one,
// never a mix.
func (m *Model) Replace(sourceID string, p Params) {
	for {
		old := m.table.Load()
		next := make(map[string]Params, len(old.params)+1)
		for id, existing := range old.params {
			next[id] = existing
		}
		next[sourceID] = p
		if m.table.CompareAndSwap(old, &paramTable{params: next, fallback: old.fallback}) {
			return
		}
	}
}

// ReplaceAll swaps the entire per-source table in one publication.
func (m *Model) ReplaceAll(params map[string]Params) {
	for {
		old := m.table.Load()
		next := make(map[string]Params, len(params))
		for id, p := range params {
			next[id] = p
		}
		if m.table.CompareAndSwap(old, &paramTable{params: next, fallback: old.fallback}) {
			return
		}
	}
}
