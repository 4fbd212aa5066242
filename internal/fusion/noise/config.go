package noise

import "github.com/banshee-data/depth.fusion/internal/config"

// ParamsFromTuning builds the fallback noise Params from a loaded
// TuningConfig. These serve any source that has not yet produced a
// calibration fit.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		SigmaBase:  cfg.GetDefaultSigmaBase(),
		Alpha:      cfg.GetDefaultNoiseAlpha(),
		Beta:       cfg.GetDefaultNoiseBeta(),
		SigmaFloor: cfg.GetDefaultSigmaFloor(),
	}
}

// FitConfigFromTuning builds a FitConfig from a loaded TuningConfig.
// Use this in production code where the TuningConfig is already loaded;
// DefaultFitConfig carries the same values without the file dependency.
func FitConfigFromTuning(cfg *config.TuningConfig) FitConfig {
	return FitConfig{
		MinSamples:     cfg.GetFitMinSamples(),
		HuberDelta:     cfg.GetHuberDelta(),
		LearnRate:      cfg.GetFitLearnRate(),
		MaxIterations:  cfg.GetFitMaxIterations(),
		ConvergeEps:    cfg.GetFitConvergeEps(),
		OutlierMADs:    cfg.GetOutlierMADs(),
		MaxOutlierRate: cfg.GetMaxOutlierRate(),
	}
}
