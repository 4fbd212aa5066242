package detmath

import (
	"errors"
	"fmt"
	"sort"
)

// FieldClass says how a named result field participates in determinism
// checks.
type FieldClass int

const (
	// FieldUnknown means the name is in neither registry. Emitting such a
	// field is a configuration defect, not a runtime condition.
	FieldUnknown FieldClass = iota

	// FieldDeterminism marks fields that must be quantized and must match
	// bit-exactly across replays and platforms.
	FieldDeterminism

	// FieldIgnored marks fields excluded from determinism comparison
	// (timing, identifiers, diagnostics).
	FieldIgnored
)

// ErrUnknownField reports a result field registered in neither the
// determinism-key set nor the ignored set. Callers treat this as fatal at
// startup: an untagged field would silently leak nondeterminism into
// replay comparisons.
var ErrUnknownField = errors.New("field not registered as determinism-key or ignored")

// The two registries are closed sets. Adding an output field to the engine
// means adding it here, on one side only; ValidateFields enforces the rest.
var determinismKeys = map[string]struct{}{
	"fused_depth":         {},
	"fused_quality":       {},
	"quality_logit":       {},
	"gate_aggregate":      {},
	"uncertainty_penalty": {},
	"total_variance":      {},
	"gate":                {},
	"noise_sigma":         {},
	"fusion_weight":       {},
	"source_depth":        {},
}

var ignoredKeys = map[string]struct{}{
	"frame_seq":          {},
	"timestamp_nanos":    {},
	"latency_nanos":      {},
	"source_count":       {},
	"source_id":          {},
	"state":              {},
	"excluded":           {},
	"dropped_duplicates": {},
}

// ClassifyField looks a field name up in the registries.
func ClassifyField(name string) (FieldClass, error) {
	if _, ok := determinismKeys[name]; ok {
		return FieldDeterminism, nil
	}
	if _, ok := ignoredKeys[name]; ok {
		return FieldIgnored, nil
	}
	return FieldUnknown, fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// ValidateFields checks every name against the registries. Engines call
// this at construction with the full list of fields they emit and refuse
// to start on error.
func ValidateFields(names []string) error {
	for _, name := range names {
		if _, err := ClassifyField(name); err != nil {
			return err
		}
	}
	return nil
}

// DeterminismKeys returns the determinism-key names, sorted. The
// verification harness uses this to build fingerprints in a stable order.
func DeterminismKeys() []string {
	keys := make([]string, 0, len(determinismKeys))
	for k := range determinismKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
