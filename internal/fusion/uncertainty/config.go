package uncertainty

import "github.com/banshee-data/depth.fusion/internal/config"

// ConfigFromTuning builds an uncertainty Config from a loaded
// TuningConfig. Use this in production code where the TuningConfig is
// already loaded; DefaultConfig carries the same values without the
// file dependency.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		RhoMax:       cfg.GetRhoMax(),
		PenaltyGain:  cfg.GetPenaltyGain(),
		PenaltyFloor: cfg.GetPenaltyFloor(),
	}
}

// RegistryFromTuning builds the correlation registry from a loaded
// TuningConfig: the built-in pairs plus any extras the config names.
// A config pair that reuses a field already claimed by a built-in pair
// is rejected here rather than silently merged.
func RegistryFromTuning(cfg *config.TuningConfig) (*Registry, error) {
	pairs := DefaultRegistry().Pairs()
	pairs = append(pairs, cfg.GetCorrelatedPairs()...)
	return NewRegistry(pairs...)
}
