// Package detmath owns the deterministic numerics layer of the fusion
// pipeline.
//
// Responsibilities: Q16.16 fixed-point quantization of output fields,
// deterministic exp/log/sqrt replacements for libm, the determinism-key
// field registry, and the numeric backends the verification harness
// cross-checks.
// Key types: Q16, Backend, FieldClass.
//
// Dependency rule: detmath sits below every fusion package and may only
// depend on internal/monitoring. All arithmetic here uses IEEE 754 basic
// operations with fixed iteration counts and fixed evaluation order, so a
// replayed input sequence produces bit-identical outputs on any conforming
// platform.
package detmath
