package uncertainty

import (
	"fmt"
	"sort"

	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
)

// Config tunes the propagation.
type Config struct {
	// RhoMax is the assumed worst-case correlation between contributions
	// that are not registered as a pair.
	RhoMax float64 `json:"rho_max"`

	// PenaltyGain scales total sigma into quality discount; PenaltyFloor
	// is the lowest multiplier the penalty may reach.
	PenaltyGain  float64 `json:"penalty_gain"`
	PenaltyFloor float64 `json:"penalty_floor"`
}

// DefaultConfig returns the production propagation tuning.
func DefaultConfig() Config {
	return Config{
		RhoMax:       0.3,
		PenaltyGain:  2.0,
		PenaltyFloor: 0.5,
	}
}

// Validate checks the propagation configuration.
func (c Config) Validate() error {
	if c.RhoMax < 0 || c.RhoMax > 1 {
		return fmt.Errorf("rho max must be in [0,1], got %.3f", c.RhoMax)
	}
	if c.PenaltyGain <= 0 {
		return fmt.Errorf("penalty gain must be positive, got %.3f", c.PenaltyGain)
	}
	if c.PenaltyFloor <= 0 || c.PenaltyFloor > 1 {
		return fmt.Errorf("penalty floor must be in (0,1], got %.3f", c.PenaltyFloor)
	}
	return nil
}

// Combined is the propagation outcome for one frame.
type Combined struct {
	TotalVariance float64
	Penalty       float64
}

// Propagator combines variance contributions frame by frame. It is
// stateless between frames and safe for concurrent use.
type Propagator struct {
	be  detmath.Backend
	reg *Registry
	cfg Config
}

// NewPropagator builds a propagator on the given deterministic backend.
func NewPropagator(be detmath.Backend, reg *Registry, cfg Config) (*Propagator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("uncertainty config: %w", err)
	}
	return &Propagator{be: be, reg: reg, cfg: cfg}, nil
}

// Combine folds the named contributions into one total variance and the
// penalty it implies. Registered pairs with both members present
// contribute the larger member once; everything else sums with a
// conservative cross term. Negative inputs are treated as zero.
// Accumulation order is fixed by field name, never by map order.
func (p *Propagator) Combine(contributions map[string]float64) Combined {
	names := make([]string, 0, len(contributions))
	for name := range contributions {
		names = append(names, name)
	}
	sort.Strings(names)

	value := func(name string) float64 {
		v := contributions[name]
		if v < 0 {
			return 0
		}
		return v
	}

	total := 0.0
	consumed := make(map[string]bool, len(names))
	for _, name := range names {
		if consumed[name] {
			continue
		}
		partner, ok := p.reg.PartnerOf(name)
		if !ok {
			continue
		}
		if _, present := contributions[partner]; !present {
			continue
		}
		v, pv := value(name), value(partner)
		if pv > v {
			v = pv
		}
		total += v
		consumed[name] = true
		consumed[partner] = true
	}

	// remaining contributions: sum plus bounded positive correlation
	var sigmas []float64
	for _, name := range names {
		if consumed[name] {
			continue
		}
		v := value(name)
		total += v
		sigmas = append(sigmas, p.be.Sqrt(v))
	}
	cross := 0.0
	for i := 0; i < len(sigmas); i++ {
		for j := i + 1; j < len(sigmas); j++ {
			cross += sigmas[i] * sigmas[j]
		}
	}
	total += 2 * p.cfg.RhoMax * cross

	penalty := 1 - p.cfg.PenaltyGain*p.be.Sqrt(total)
	if penalty < p.cfg.PenaltyFloor {
		penalty = p.cfg.PenaltyFloor
	}
	if penalty > 1 {
		penalty = 1
	}
	return Combined{TotalVariance: total, Penalty: penalty}
}
