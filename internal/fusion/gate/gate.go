// Package gate turns raw per-source health signals into smoothed fusion
// gates. A gate is the [0,1] multiplier the arbitrator applies to a
// source's inverse-variance weight; it ramps with health, flips state only
// through hysteresis, and latches to zero when a source collapses.
package gate

import (
	"fmt"
	"sort"
	"sync"
)

// SourceState is the hysteresis state of one source.
type SourceState string

const (
	// SourceEnabled passes the full ramped gate through.
	SourceEnabled SourceState = "enabled"

	// SourceDisabled caps the gate at the leak value until health has
	// recovered for a full confirm streak.
	SourceDisabled SourceState = "disabled"
)

// Config holds the gate tracker tuning. All thresholds compare against the
// raw health signal, not the smoothed gate.
type Config struct {
	// HealthFloor and HealthCeil bound the linear health-to-gate ramp:
	// health at or below the floor maps to 0, at or above the ceiling
	// maps to 1.
	HealthFloor float64
	HealthCeil  float64

	// DisableThreshold moves an enabled source toward disabled when
	// health drops below it; EnableThreshold moves a disabled source
	// toward enabled when health rises above it. The dead band between
	// them is where oscillation is absorbed.
	DisableThreshold float64
	EnableThreshold  float64

	// ConfirmFrames is the consecutive-frame streak required to flip
	// state in either direction. Any counter-breaking frame resets the
	// streak.
	ConfirmFrames int

	// HardDisableThreshold and HardDisableFrames latch a collapsed
	// source: health below the threshold for the full streak forces the
	// gate to zero until recovery.
	HardDisableThreshold float64
	HardDisableFrames    int

	// RecoverThreshold and RecoverFrames clear the hard-disable latch:
	// health above the threshold for the full streak re-admits the
	// source in the disabled state with a zeroed gate, so it still has
	// to climb through the normal hysteresis.
	RecoverThreshold float64
	RecoverFrames    int

	// DisabledLeakCap is the gate ceiling while disabled. A small leak
	// keeps a recovering source measurable without letting it steer the
	// fused output.
	DisabledLeakCap float64

	// SmoothingAlpha is the EMA coefficient applied to the ramped gate.
	SmoothingAlpha float64
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		HealthFloor:          0.2,
		HealthCeil:           0.6,
		DisableThreshold:     0.25,
		EnableThreshold:      0.35,
		ConfirmFrames:        5,
		HardDisableThreshold: 0.1,
		HardDisableFrames:    5,
		RecoverThreshold:     0.35,
		RecoverFrames:        10,
		DisabledLeakCap:      0.1,
		SmoothingAlpha:       0.2,
	}
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	if c.HealthFloor >= c.HealthCeil {
		return fmt.Errorf("health floor %.3f must be below ceiling %.3f", c.HealthFloor, c.HealthCeil)
	}
	if c.DisableThreshold >= c.EnableThreshold {
		return fmt.Errorf("disable threshold %.3f must be below enable threshold %.3f",
			c.DisableThreshold, c.EnableThreshold)
	}
	if c.HardDisableThreshold > c.DisableThreshold {
		return fmt.Errorf("hard-disable threshold %.3f must not exceed disable threshold %.3f",
			c.HardDisableThreshold, c.DisableThreshold)
	}
	if c.ConfirmFrames < 1 {
		return fmt.Errorf("confirm frames must be at least 1, got %d", c.ConfirmFrames)
	}
	if c.HardDisableFrames < 1 {
		return fmt.Errorf("hard-disable frames must be at least 1, got %d", c.HardDisableFrames)
	}
	if c.RecoverFrames < 1 {
		return fmt.Errorf("recover frames must be at least 1, got %d", c.RecoverFrames)
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		return fmt.Errorf("smoothing alpha must be in (0,1], got %.3f", c.SmoothingAlpha)
	}
	if c.DisabledLeakCap < 0 || c.DisabledLeakCap > 1 {
		return fmt.Errorf("disabled leak cap must be in [0,1], got %.3f", c.DisabledLeakCap)
	}
	return nil
}

// sourceHealth is the per-source tracker state. One writer (the fusion
// loop) advances it; snapshots copy it out for readers.
type sourceHealth struct {
	state         SourceState
	smoothedGate  float64
	seeded        bool
	lastHealth    float64
	frames        uint64
	disableStreak int
	enableStreak  int
	hardStreak    int
	recoverStreak int
	hardDisabled  bool
}

// SourceGateStatus is a read-only view of one source for monitoring.
type SourceGateStatus struct {
	SourceID     string      `json:"source_id"`
	State        SourceState `json:"state"`
	Gate         float64     `json:"gate"`
	LastHealth   float64     `json:"last_health"`
	Frames       uint64      `json:"frames"`
	HardDisabled bool        `json:"hard_disabled"`
}

// Tracker maintains gate state for every known source. ComputeGate must be
// called exactly once per source per frame, from a single goroutine; the
// mutex exists for the snapshot readers, not to serialize writers.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	sources map[string]*sourceHealth
}

// NewTracker builds a tracker with the given config. Invalid configs fall
// back per-field is not attempted; callers validate first.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg,
		sources: make(map[string]*sourceHealth),
	}
}

// ComputeGate advances one source by one frame and returns its gate in
// [0,1]. The pipeline is: hard-disable bookkeeping, linear health ramp,
// hysteresis state machine, disabled leak cap, EMA smoothing.
func (t *Tracker) ComputeGate(sourceID string, health float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	sh, ok := t.sources[sourceID]
	if !ok {
		sh = &sourceHealth{state: SourceEnabled}
		t.sources[sourceID] = sh
	}
	sh.frames++
	sh.lastHealth = health

	// hard-disable latch and recovery
	if health < t.cfg.HardDisableThreshold {
		sh.hardStreak++
	} else {
		sh.hardStreak = 0
	}
	if sh.hardDisabled {
		if health > t.cfg.RecoverThreshold {
			sh.recoverStreak++
		} else {
			sh.recoverStreak = 0
		}
		if sh.recoverStreak >= t.cfg.RecoverFrames {
			sh.hardDisabled = false
			sh.state = SourceDisabled
			sh.recoverStreak = 0
			sh.disableStreak = 0
			sh.enableStreak = 0
			sh.smoothedGate = 0
			sh.seeded = true
		} else {
			return 0
		}
	} else if sh.hardStreak >= t.cfg.HardDisableFrames {
		sh.hardDisabled = true
		sh.recoverStreak = 0
		sh.smoothedGate = 0
		sh.seeded = true
		return 0
	}

	raw := clamp((health-t.cfg.HealthFloor)/(t.cfg.HealthCeil-t.cfg.HealthFloor), 0, 1)

	switch sh.state {
	case SourceEnabled:
		if health < t.cfg.DisableThreshold {
			sh.disableStreak++
			if sh.disableStreak >= t.cfg.ConfirmFrames {
				sh.state = SourceDisabled
				sh.disableStreak = 0
				sh.enableStreak = 0
			}
		} else {
			sh.disableStreak = 0
		}
	case SourceDisabled:
		if health > t.cfg.EnableThreshold {
			sh.enableStreak++
			if sh.enableStreak >= t.cfg.ConfirmFrames {
				sh.state = SourceEnabled
				sh.enableStreak = 0
				sh.disableStreak = 0
			}
		} else {
			sh.enableStreak = 0
		}
	}

	if sh.state == SourceDisabled {
		if raw > t.cfg.DisabledLeakCap {
			raw = t.cfg.DisabledLeakCap
		}
	}

	// EMA, seeded with the first observation so healthy sources do not
	// spend their first seconds climbing from zero
	if !sh.seeded {
		sh.smoothedGate = raw
		sh.seeded = true
	} else {
		sh.smoothedGate += t.cfg.SmoothingAlpha * (raw - sh.smoothedGate)
	}
	return clamp(sh.smoothedGate, 0, 1)
}

// State returns the hysteresis state of a source, defaulting to enabled
// for sources never seen.
func (t *Tracker) State(sourceID string) (SourceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sh, ok := t.sources[sourceID]
	if !ok {
		return SourceEnabled, false
	}
	return sh.state, true
}

// HardDisabled reports whether the latch is set for a source.
func (t *Tracker) HardDisabled(sourceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sh, ok := t.sources[sourceID]
	return ok && sh.hardDisabled
}

// Reset forgets a source entirely. Operators use this to re-arm a repaired
// sensor without waiting for the recovery streak.
func (t *Tracker) Reset(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sources, sourceID)
}

// Snapshot copies the tracker state for monitoring, sorted by source ID.
func (t *Tracker) Snapshot() []SourceGateStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SourceGateStatus, 0, len(t.sources))
	for id, sh := range t.sources {
		out = append(out, SourceGateStatus{
			SourceID:     id,
			State:        sh.state,
			Gate:         sh.smoothedGate,
			LastHealth:   sh.lastHealth,
			Frames:       sh.frames,
			HardDisabled: sh.hardDisabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
