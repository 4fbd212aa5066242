package detmath

import "fmt"

// Backend is one numeric implementation of the deterministic layer. The
// engine normally runs on Float; the verification harness replays the same
// sequence on every backend and compares quantized outputs, so a platform
// or compiler quirk in one implementation shows up as a diff instead of a
// silent drift.
type Backend interface {
	Name() string
	Exp(x float64) float64
	Log(x float64) float64
	Sqrt(x float64) float64
	Quantize(x float64) Q16
}

type floatBackend struct{}

func (floatBackend) Name() string           { return "float" }
func (floatBackend) Exp(x float64) float64  { return Exp(x) }
func (floatBackend) Log(x float64) float64  { return Log(x) }
func (floatBackend) Sqrt(x float64) float64 { return Sqrt(x) }
func (floatBackend) Quantize(x float64) Q16 { return Quantize(x) }

// Float returns the production backend: float64 series math from series.go.
func Float() Backend { return floatBackend{} }

// Fixed returns the cross-check backend: Q32.32 integer arithmetic from
// fixed.go, independent of the FPU beyond exact float conversions.
func Fixed() Backend { return fixedBackend{} }

// AllBackends lists every backend the harness should cross-check.
func AllBackends() []Backend {
	return []Backend{Float(), Fixed()}
}

// BackendByName resolves a configured backend name. The empty string
// selects the production float backend.
func BackendByName(name string) (Backend, error) {
	switch name {
	case "", "float":
		return Float(), nil
	case "fixed":
		return Fixed(), nil
	default:
		return nil, fmt.Errorf("unknown numeric backend %q", name)
	}
}
