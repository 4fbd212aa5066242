// Package fusion holds the shared data model of the depth-fusion engine:
// samples and frames on the way in, fused results on the way out, and the
// sentinel errors the layers above and below agree on.
package fusion

import (
	"sort"
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
)

// SourceSample is one depth reading from one producer for one frame.
type SourceSample struct {
	// SourceID identifies the producer ("stereo0", "tof1", "mono-ml", ...).
	SourceID string `json:"source_id"`

	// Depth in metres.
	Depth float64 `json:"depth"`

	// Confidence in [0,1]. Zero or negative marks the sample invalid; it
	// is excluded from fusion without being an error.
	Confidence float64 `json:"confidence"`

	// TimestampNanos is the producer capture time.
	TimestampNanos int64 `json:"timestamp_nanos"`
}

// Valid reports whether the sample may contribute to fusion.
func (s SourceSample) Valid() bool { return s.Confidence > 0 }

// SourceInput pairs a sample with the external reliability signal for its
// source at this frame.
type SourceInput struct {
	Sample SourceSample `json:"sample"`

	// Health in [0,1], supplied by the transport layer or carried on the
	// wire. The gate tracker turns it into a fusion gate.
	Health float64 `json:"health"`
}

// Frame is the barrier output: at most one input per registered source,
// ready for single-threaded fusion.
type Frame struct {
	Seq            uint64        `json:"seq"`
	TimestampNanos int64         `json:"timestamp_nanos"`
	Inputs         []SourceInput `json:"inputs"`
}

// SortInputs orders inputs by source ID. Fusion accumulates in this order,
// which is part of the determinism contract. The sort is stable so a
// duplicated source always resolves to the earliest-offered sample.
func (f *Frame) SortInputs() {
	sort.SliceStable(f.Inputs, func(i, j int) bool {
		return f.Inputs[i].Sample.SourceID < f.Inputs[j].Sample.SourceID
	})
}

// Exclusion reasons recorded on per-source contributions.
const (
	ExcludedInvalid      = "invalid_sample"
	ExcludedHardDisabled = "hard_disabled"
	ExcludedZeroGate     = "zero_gate"
)

// Contribution is the per-source audit trail inside a Result. Quantized
// fields are determinism keys; the rest are ignored keys.
type Contribution struct {
	SourceID string      `json:"source_id"`
	Gate     detmath.Q16 `json:"gate"`
	Sigma    detmath.Q16 `json:"noise_sigma"`

	// Weight is this source's normalized share of the frame's total
	// fusion weight. Included sources sum to one; excluded sources
	// carry zero.
	Weight detmath.Q16 `json:"fusion_weight"`

	Depth detmath.Q16 `json:"source_depth"`

	// State is the gate tracker state at this frame ("enabled",
	// "disabled").
	State string `json:"state"`

	// Excluded names why the source did not contribute, empty when it did.
	Excluded string `json:"excluded,omitempty"`
}

// Result is one fused frame. Quantized fields carry the determinism keys;
// plain fields are ignored keys (timing and identity never enter replay
// comparison).
type Result struct {
	FrameSeq       uint64 `json:"frame_seq"`
	TimestampNanos int64  `json:"timestamp_nanos"`
	LatencyNanos   int64  `json:"latency_nanos"`
	SourceCount    int    `json:"source_count"`

	Depth         detmath.Q16 `json:"fused_depth"`
	Quality       detmath.Q16 `json:"fused_quality"`
	QualityLogit  detmath.Q16 `json:"quality_logit"`
	GateAggregate detmath.Q16 `json:"gate_aggregate"`
	Penalty       detmath.Q16 `json:"uncertainty_penalty"`
	TotalVariance detmath.Q16 `json:"total_variance"`

	Contributions []Contribution `json:"contributions"`

	// DroppedDuplicates counts inputs discarded because a source appeared
	// twice in one frame.
	DroppedDuplicates int `json:"dropped_duplicates,omitempty"`
}

// Age is the wall-clock distance from the frame timestamp.
func (r *Result) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, r.TimestampNanos))
}

// ResultFields lists every JSON key a Result or one of its contributions
// can emit, except the contributions container itself. The arbitrator
// validates this list against the field registry at construction, so an
// unclassified field can never reach a wire or a replay digest.
func ResultFields() []string {
	return []string{
		"dropped_duplicates",
		"excluded",
		"frame_seq",
		"fused_depth",
		"fused_quality",
		"fusion_weight",
		"gate",
		"gate_aggregate",
		"latency_nanos",
		"noise_sigma",
		"quality_logit",
		"source_count",
		"source_depth",
		"source_id",
		"state",
		"timestamp_nanos",
		"total_variance",
		"uncertainty_penalty",
	}
}
