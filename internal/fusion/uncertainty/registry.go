// Package uncertainty folds the arbitrator's named variance contributions
// into one total variance and a multiplicative quality penalty. Pairs of
// contributions known to share a root cause are registered up front and
// combined by maximum instead of summation, so the same physical effect is
// never counted twice; everything else is treated as positively correlated
// up to a conservative bound.
package uncertainty

import (
	"fmt"
	"sort"
)

// Registry is the fixed set of correlated contribution pairs. Pairs are
// unordered and each field belongs to at most one pair. The registry is
// immutable after construction and safe for concurrent readers.
type Registry struct {
	partner map[string]string
}

// NewRegistry builds a registry from unordered field-name pairs.
func NewRegistry(pairs ...[2]string) (*Registry, error) {
	r := &Registry{partner: make(map[string]string, 2*len(pairs))}
	for _, p := range pairs {
		a, b := p[0], p[1]
		if a == "" || b == "" {
			return nil, fmt.Errorf("correlated pair has an empty field name: %q, %q", a, b)
		}
		if a == b {
			return nil, fmt.Errorf("field %q cannot be paired with itself", a)
		}
		if prev, ok := r.partner[a]; ok {
			return nil, fmt.Errorf("field %q already paired with %q", a, prev)
		}
		if prev, ok := r.partner[b]; ok {
			return nil, fmt.Errorf("field %q already paired with %q", b, prev)
		}
		r.partner[a] = b
		r.partner[b] = a
	}
	return r, nil
}

// DefaultRegistry pairs the variance contributions the arbitrator computes
// from the same frame history: spatial spread with its temporal echo, and
// cross-source disagreement with the anomaly share it produces.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		[2]string{"depth_variance", "temporal_variance"},
		[2]string{"disagreement_variance", "anomaly_variance"},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// PartnerOf reports the correlated partner of a field, if it has one.
func (r *Registry) PartnerOf(field string) (string, bool) {
	p, ok := r.partner[field]
	return p, ok
}

// Pairs lists the registered pairs, each sorted and the list sorted.
func (r *Registry) Pairs() [][2]string {
	seen := make(map[string]bool, len(r.partner))
	var out [][2]string
	for a, b := range r.partner {
		if seen[a] || seen[b] {
			continue
		}
		seen[a], seen[b] = true, true
		if b < a {
			a, b = b, a
		}
		out = append(out, [2]string{a, b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
