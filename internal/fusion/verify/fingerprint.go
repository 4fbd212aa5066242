// Package verify replays identical input through freshly built fusion
// engines and proves the quantized outputs bit-stable, within one backend
// and across backends. Mismatches are CI failures, not warnings.
package verify

import (
	"encoding/binary"
	"hash/fnv"
	"sort"

	"github.com/banshee-data/depth.fusion/internal/fusion"
)

// FrameDigest captures the determinism-key fields of one fused frame as
// raw Q16 integers. Ignored-key fields (timing, identity, diagnostics)
// never enter a digest. Per-source fields are namespaced
// "source/<id>/<field>".
type FrameDigest struct {
	FrameSeq uint64 `json:"frame_seq"`

	// NoValidSource marks a frame the engine refused to fuse. The refusal
	// itself must replay identically, so it is part of the digest.
	NoValidSource bool `json:"no_valid_source,omitempty"`

	Fields map[string]int64 `json:"fields,omitempty"`
}

// Fingerprint is the digest sequence of one replay plus a chain hash over
// its canonical encoding. Two runs agree exactly when their fingerprints
// are equal.
type Fingerprint struct {
	RunID   string        `json:"run_id"`
	Backend string        `json:"backend"`
	Frames  []FrameDigest `json:"frames"`
	Chain   uint64        `json:"chain"`
}

// DigestResult extracts the determinism-key fields of a fused result.
func DigestResult(r *fusion.Result) FrameDigest {
	fields := map[string]int64{
		"fused_depth":         r.Depth.Raw(),
		"fused_quality":       r.Quality.Raw(),
		"quality_logit":       r.QualityLogit.Raw(),
		"gate_aggregate":      r.GateAggregate.Raw(),
		"uncertainty_penalty": r.Penalty.Raw(),
		"total_variance":      r.TotalVariance.Raw(),
	}
	for _, c := range r.Contributions {
		prefix := "source/" + c.SourceID + "/"
		fields[prefix+"gate"] = c.Gate.Raw()
		fields[prefix+"noise_sigma"] = c.Sigma.Raw()
		fields[prefix+"fusion_weight"] = c.Weight.Raw()
		fields[prefix+"source_depth"] = c.Depth.Raw()
	}
	return FrameDigest{FrameSeq: r.FrameSeq, Fields: fields}
}

// NoSourceDigest records a frame where fusion declined every input.
func NoSourceDigest(seq uint64) FrameDigest {
	return FrameDigest{FrameSeq: seq, NoValidSource: true}
}

// NewFingerprint assembles a fingerprint and seals it with the chain hash.
func NewFingerprint(runID, backend string, frames []FrameDigest) Fingerprint {
	return Fingerprint{
		RunID:   runID,
		Backend: backend,
		Frames:  frames,
		Chain:   ChainHash(frames),
	}
}

// ChainHash folds the digest sequence into one FNV-1a value over a
// canonical byte encoding: frame seq, then each field name and raw value
// in sorted name order. Field names are terminated with a zero byte so no
// two name/value streams collide.
func ChainHash(frames []FrameDigest) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, fd := range frames {
		binary.BigEndian.PutUint64(buf[:], fd.FrameSeq)
		h.Write(buf[:])
		if fd.NoValidSource {
			h.Write([]byte{1})
			continue
		}
		h.Write([]byte{0})
		names := make([]string, 0, len(fd.Fields))
		for name := range fd.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h.Write([]byte(name))
			h.Write([]byte{0})
			binary.BigEndian.PutUint64(buf[:], uint64(fd.Fields[name]))
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// baseField strips the per-source namespace, leaving the registry name.
func baseField(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
