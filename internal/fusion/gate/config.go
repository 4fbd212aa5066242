package gate

import "github.com/banshee-data/depth.fusion/internal/config"

// ConfigFromTuning builds a gate Config from a loaded TuningConfig.
// Use this in production code where the TuningConfig is already loaded;
// DefaultConfig carries the same values without the file dependency.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		HealthFloor:          cfg.GetHealthRampFloor(),
		HealthCeil:           cfg.GetHealthRampCeil(),
		DisableThreshold:     cfg.GetHysteresisDisableBelow(),
		EnableThreshold:      cfg.GetHysteresisEnableAbove(),
		ConfirmFrames:        cfg.GetHysteresisConfirmFrames(),
		HardDisableThreshold: cfg.GetHardDisableThreshold(),
		HardDisableFrames:    cfg.GetHardDisableConfirmFrames(),
		RecoverThreshold:     cfg.GetHardDisableRecoverAbove(),
		RecoverFrames:        cfg.GetHardDisableRecoverFrames(),
		DisabledLeakCap:      cfg.GetDisabledGateLeak(),
		SmoothingAlpha:       cfg.GetGateSmoothingAlpha(),
	}
}
