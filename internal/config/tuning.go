package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/fusion/params endpoint so the same JSON
// can be used for both startup configuration and runtime updates.
// All fields are pointers so a partial document patches only the
// values it names.
type TuningConfig struct {
	// Gate tracker params
	HealthRampFloor          *float64 `json:"health_ramp_floor,omitempty"`
	HealthRampCeil           *float64 `json:"health_ramp_ceil,omitempty"`
	HysteresisDisableBelow   *float64 `json:"hysteresis_disable_below,omitempty"`
	HysteresisEnableAbove    *float64 `json:"hysteresis_enable_above,omitempty"`
	HysteresisConfirmFrames  *int     `json:"hysteresis_confirm_frames,omitempty"`
	HardDisableThreshold     *float64 `json:"hard_disable_threshold,omitempty"`
	HardDisableConfirmFrames *int     `json:"hard_disable_confirm_frames,omitempty"`
	HardDisableRecoverAbove  *float64 `json:"hard_disable_recover_above,omitempty"`
	HardDisableRecoverFrames *int     `json:"hard_disable_recover_frames,omitempty"`
	DisabledGateLeak         *float64 `json:"disabled_gate_leak,omitempty"`
	GateSmoothingAlpha       *float64 `json:"gate_smoothing_alpha,omitempty"`

	// Noise model fallback params, used until a per-source calibration
	// fit lands in the store
	DefaultSigmaBase  *float64 `json:"default_sigma_base,omitempty"`
	DefaultNoiseAlpha *float64 `json:"default_noise_alpha,omitempty"`
	DefaultNoiseBeta  *float64 `json:"default_noise_beta,omitempty"`
	DefaultSigmaFloor *float64 `json:"default_sigma_floor,omitempty"`

	// Calibration fit params
	HuberDelta          *float64 `json:"huber_delta,omitempty"`
	FitLearnRate        *float64 `json:"fit_learn_rate,omitempty"`
	FitMaxIterations    *int     `json:"fit_max_iterations,omitempty"`
	FitMinSamples       *int     `json:"fit_min_samples,omitempty"`
	FitConvergeEps      *float64 `json:"fit_converge_eps,omitempty"`
	OutlierMADs         *float64 `json:"outlier_mads,omitempty"`
	MaxOutlierRate      *float64 `json:"max_outlier_rate,omitempty"`
	CalibrationInterval *string  `json:"calibration_interval,omitempty"` // duration string like "60s"

	// Uncertainty propagation params. CorrelatedPairs lists extra
	// variance-field pairs treated as correlated, on top of the
	// built-in registry pairs.
	RhoMax          *float64   `json:"rho_max,omitempty"`
	PenaltyGain     *float64   `json:"penalty_gain,omitempty"`
	PenaltyFloor    *float64   `json:"penalty_floor,omitempty"`
	CorrelatedPairs [][]string `json:"correlated_pairs,omitempty"`

	// Frame collection params
	Sources           []string `json:"sources,omitempty"`
	FrameTimeout      *string  `json:"frame_timeout,omitempty"` // duration string like "50ms"
	FrameQueueDepth   *int     `json:"frame_queue_depth,omitempty"`
	ResultHistorySize *int     `json:"result_history_size,omitempty"`

	// Determinism params
	NumericBackend *string `json:"numeric_backend,omitempty"` // "float" or "fixed"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a fully populated config carrying the
// production defaults. The shipped defaults file encodes the same
// values.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		HealthRampFloor:          ptrFloat64(0.2),
		HealthRampCeil:           ptrFloat64(0.6),
		HysteresisDisableBelow:   ptrFloat64(0.25),
		HysteresisEnableAbove:    ptrFloat64(0.35),
		HysteresisConfirmFrames:  ptrInt(5),
		HardDisableThreshold:     ptrFloat64(0.1),
		HardDisableConfirmFrames: ptrInt(5),
		HardDisableRecoverAbove:  ptrFloat64(0.35),
		HardDisableRecoverFrames: ptrInt(10),
		DisabledGateLeak:         ptrFloat64(0.1),
		GateSmoothingAlpha:       ptrFloat64(0.2),

		DefaultSigmaBase:  ptrFloat64(0.02),
		DefaultNoiseAlpha: ptrFloat64(1.5),
		DefaultNoiseBeta:  ptrFloat64(0.3),
		DefaultSigmaFloor: ptrFloat64(0.005),

		HuberDelta:          ptrFloat64(0.05),
		FitLearnRate:        ptrFloat64(0.01),
		FitMaxIterations:    ptrInt(100),
		FitMinSamples:       ptrInt(10),
		FitConvergeEps:      ptrFloat64(1e-6),
		OutlierMADs:         ptrFloat64(3.0),
		MaxOutlierRate:      ptrFloat64(0.3),
		CalibrationInterval: ptrString("60s"),

		RhoMax:       ptrFloat64(0.3),
		PenaltyGain:  ptrFloat64(2.0),
		PenaltyFloor: ptrFloat64(0.5),

		Sources:           []string{"stereo0", "tof0", "mono-ml"},
		FrameTimeout:      ptrString("50ms"),
		FrameQueueDepth:   ptrInt(8),
		ResultHistorySize: ptrInt(256),

		NumericBackend: ptrString("float"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/fusion/noise/
		"../../../../" + DefaultConfigPath,    // deeper packages
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	// The health ramp must span a positive interval
	if c.HealthRampFloor != nil && c.HealthRampCeil != nil {
		if *c.HealthRampFloor >= *c.HealthRampCeil {
			return fmt.Errorf("health_ramp_floor %f must be below health_ramp_ceil %f",
				*c.HealthRampFloor, *c.HealthRampCeil)
		}
	}

	// The hysteresis dead band must be open: disable strictly below enable
	if c.HysteresisDisableBelow != nil && c.HysteresisEnableAbove != nil {
		if *c.HysteresisDisableBelow >= *c.HysteresisEnableAbove {
			return fmt.Errorf("hysteresis_disable_below %f must be below hysteresis_enable_above %f",
				*c.HysteresisDisableBelow, *c.HysteresisEnableAbove)
		}
	}

	if c.GateSmoothingAlpha != nil {
		if *c.GateSmoothingAlpha <= 0 || *c.GateSmoothingAlpha > 1 {
			return fmt.Errorf("gate_smoothing_alpha must be in (0, 1], got %f", *c.GateSmoothingAlpha)
		}
	}

	if c.RhoMax != nil {
		if *c.RhoMax < 0 || *c.RhoMax > 1 {
			return fmt.Errorf("rho_max must be between 0 and 1, got %f", *c.RhoMax)
		}
	}

	if c.PenaltyFloor != nil {
		if *c.PenaltyFloor <= 0 || *c.PenaltyFloor > 1 {
			return fmt.Errorf("penalty_floor must be in (0, 1], got %f", *c.PenaltyFloor)
		}
	}

	for i, pair := range c.CorrelatedPairs {
		if len(pair) != 2 {
			return fmt.Errorf("correlated_pairs[%d] must name exactly two fields, got %d", i, len(pair))
		}
		if pair[0] == "" || pair[1] == "" {
			return fmt.Errorf("correlated_pairs[%d] must not contain empty field names", i)
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("correlated_pairs[%d] pairs %q with itself", i, pair[0])
		}
	}

	if c.FitMinSamples != nil && *c.FitMinSamples < 2 {
		return fmt.Errorf("fit_min_samples must be at least 2, got %d", *c.FitMinSamples)
	}

	if c.FitMaxIterations != nil && *c.FitMaxIterations < 1 {
		return fmt.Errorf("fit_max_iterations must be at least 1, got %d", *c.FitMaxIterations)
	}

	// Validate CalibrationInterval can be parsed if set
	if c.CalibrationInterval != nil && *c.CalibrationInterval != "" {
		if _, err := time.ParseDuration(*c.CalibrationInterval); err != nil {
			return fmt.Errorf("invalid calibration_interval '%s': %w", *c.CalibrationInterval, err)
		}
	}

	// Validate FrameTimeout can be parsed if set
	if c.FrameTimeout != nil && *c.FrameTimeout != "" {
		if _, err := time.ParseDuration(*c.FrameTimeout); err != nil {
			return fmt.Errorf("invalid frame_timeout '%s': %w", *c.FrameTimeout, err)
		}
	}

	if c.FrameQueueDepth != nil && *c.FrameQueueDepth < 1 {
		return fmt.Errorf("frame_queue_depth must be at least 1, got %d", *c.FrameQueueDepth)
	}

	if c.ResultHistorySize != nil && *c.ResultHistorySize < 1 {
		return fmt.Errorf("result_history_size must be at least 1, got %d", *c.ResultHistorySize)
	}

	for _, id := range c.Sources {
		if id == "" {
			return fmt.Errorf("sources must not contain empty IDs")
		}
	}

	if c.NumericBackend != nil {
		switch *c.NumericBackend {
		case "", "float", "fixed":
		default:
			return fmt.Errorf("numeric_backend must be \"float\" or \"fixed\", got %q", *c.NumericBackend)
		}
	}

	return nil
}

// GetFrameTimeout parses and returns the FrameTimeout as a time.Duration.
func (c *TuningConfig) GetFrameTimeout() time.Duration {
	if c.FrameTimeout == nil || *c.FrameTimeout == "" {
		return 50 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.FrameTimeout)
	if err != nil {
		return 50 * time.Millisecond // default on parse error
	}
	return d
}

// GetCalibrationInterval parses and returns the CalibrationInterval as a time.Duration.
func (c *TuningConfig) GetCalibrationInterval() time.Duration {
	if c.CalibrationInterval == nil || *c.CalibrationInterval == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.CalibrationInterval)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}

// GetHealthRampFloor returns the health_ramp_floor value or the default.
func (c *TuningConfig) GetHealthRampFloor() float64 {
	if c.HealthRampFloor == nil {
		return 0.2 // default
	}
	return *c.HealthRampFloor
}

// GetHealthRampCeil returns the health_ramp_ceil value or the default.
func (c *TuningConfig) GetHealthRampCeil() float64 {
	if c.HealthRampCeil == nil {
		return 0.6 // default
	}
	return *c.HealthRampCeil
}

// GetHysteresisDisableBelow returns the hysteresis_disable_below value or the default.
func (c *TuningConfig) GetHysteresisDisableBelow() float64 {
	if c.HysteresisDisableBelow == nil {
		return 0.25
	}
	return *c.HysteresisDisableBelow
}

// GetHysteresisEnableAbove returns the hysteresis_enable_above value or the default.
func (c *TuningConfig) GetHysteresisEnableAbove() float64 {
	if c.HysteresisEnableAbove == nil {
		return 0.35
	}
	return *c.HysteresisEnableAbove
}

// GetHysteresisConfirmFrames returns the hysteresis_confirm_frames value or the default.
func (c *TuningConfig) GetHysteresisConfirmFrames() int {
	if c.HysteresisConfirmFrames == nil {
		return 5
	}
	return *c.HysteresisConfirmFrames
}

// GetHardDisableThreshold returns the hard_disable_threshold value or the default.
func (c *TuningConfig) GetHardDisableThreshold() float64 {
	if c.HardDisableThreshold == nil {
		return 0.1
	}
	return *c.HardDisableThreshold
}

// GetHardDisableConfirmFrames returns the hard_disable_confirm_frames value or the default.
func (c *TuningConfig) GetHardDisableConfirmFrames() int {
	if c.HardDisableConfirmFrames == nil {
		return 5
	}
	return *c.HardDisableConfirmFrames
}

// GetHardDisableRecoverAbove returns the hard_disable_recover_above value or the default.
func (c *TuningConfig) GetHardDisableRecoverAbove() float64 {
	if c.HardDisableRecoverAbove == nil {
		return 0.35
	}
	return *c.HardDisableRecoverAbove
}

// GetHardDisableRecoverFrames returns the hard_disable_recover_frames value or the default.
func (c *TuningConfig) GetHardDisableRecoverFrames() int {
	if c.HardDisableRecoverFrames == nil {
		return 10
	}
	return *c.HardDisableRecoverFrames
}

// GetDisabledGateLeak returns the disabled_gate_leak value or the default.
func (c *TuningConfig) GetDisabledGateLeak() float64 {
	if c.DisabledGateLeak == nil {
		return 0.1
	}
	return *c.DisabledGateLeak
}

// GetGateSmoothingAlpha returns the gate_smoothing_alpha value or the default.
func (c *TuningConfig) GetGateSmoothingAlpha() float64 {
	if c.GateSmoothingAlpha == nil {
		return 0.2
	}
	return *c.GateSmoothingAlpha
}

// GetDefaultSigmaBase returns the default_sigma_base value or the default.
func (c *TuningConfig) GetDefaultSigmaBase() float64 {
	if c.DefaultSigmaBase == nil {
		return 0.02
	}
	return *c.DefaultSigmaBase
}

// GetDefaultNoiseAlpha returns the default_noise_alpha value or the default.
func (c *TuningConfig) GetDefaultNoiseAlpha() float64 {
	if c.DefaultNoiseAlpha == nil {
		return 1.5
	}
	return *c.DefaultNoiseAlpha
}

// GetDefaultNoiseBeta returns the default_noise_beta value or the default.
func (c *TuningConfig) GetDefaultNoiseBeta() float64 {
	if c.DefaultNoiseBeta == nil {
		return 0.3
	}
	return *c.DefaultNoiseBeta
}

// GetDefaultSigmaFloor returns the default_sigma_floor value or the default.
func (c *TuningConfig) GetDefaultSigmaFloor() float64 {
	if c.DefaultSigmaFloor == nil {
		return 0.005
	}
	return *c.DefaultSigmaFloor
}

// GetHuberDelta returns the huber_delta value or the default.
func (c *TuningConfig) GetHuberDelta() float64 {
	if c.HuberDelta == nil {
		return 0.05
	}
	return *c.HuberDelta
}

// GetFitLearnRate returns the fit_learn_rate value or the default.
func (c *TuningConfig) GetFitLearnRate() float64 {
	if c.FitLearnRate == nil {
		return 0.01
	}
	return *c.FitLearnRate
}

// GetFitMaxIterations returns the fit_max_iterations value or the default.
func (c *TuningConfig) GetFitMaxIterations() int {
	if c.FitMaxIterations == nil {
		return 100
	}
	return *c.FitMaxIterations
}

// GetFitMinSamples returns the fit_min_samples value or the default.
func (c *TuningConfig) GetFitMinSamples() int {
	if c.FitMinSamples == nil {
		return 10
	}
	return *c.FitMinSamples
}

// GetFitConvergeEps returns the fit_converge_eps value or the default.
func (c *TuningConfig) GetFitConvergeEps() float64 {
	if c.FitConvergeEps == nil {
		return 1e-6
	}
	return *c.FitConvergeEps
}

// GetOutlierMADs returns the outlier_mads value or the default.
func (c *TuningConfig) GetOutlierMADs() float64 {
	if c.OutlierMADs == nil {
		return 3.0
	}
	return *c.OutlierMADs
}

// GetMaxOutlierRate returns the max_outlier_rate value or the default.
func (c *TuningConfig) GetMaxOutlierRate() float64 {
	if c.MaxOutlierRate == nil {
		return 0.3
	}
	return *c.MaxOutlierRate
}

// GetRhoMax returns the rho_max value or the default.
func (c *TuningConfig) GetRhoMax() float64 {
	if c.RhoMax == nil {
		return 0.3
	}
	return *c.RhoMax
}

// GetPenaltyGain returns the penalty_gain value or the default.
func (c *TuningConfig) GetPenaltyGain() float64 {
	if c.PenaltyGain == nil {
		return 2.0
	}
	return *c.PenaltyGain
}

// GetPenaltyFloor returns the penalty_floor value or the default.
func (c *TuningConfig) GetPenaltyFloor() float64 {
	if c.PenaltyFloor == nil {
		return 0.5
	}
	return *c.PenaltyFloor
}

// GetCorrelatedPairs returns the extra correlated variance pairs, if
// any. Pairs that fail Validate are never returned from here because
// LoadTuningConfig rejects the document first.
func (c *TuningConfig) GetCorrelatedPairs() [][2]string {
	if len(c.CorrelatedPairs) == 0 {
		return nil
	}
	pairs := make([][2]string, 0, len(c.CorrelatedPairs))
	for _, pair := range c.CorrelatedPairs {
		if len(pair) != 2 {
			continue
		}
		pairs = append(pairs, [2]string{pair[0], pair[1]})
	}
	return pairs
}

// GetSources returns the configured source IDs or the default trio.
func (c *TuningConfig) GetSources() []string {
	if len(c.Sources) == 0 {
		return []string{"stereo0", "tof0", "mono-ml"}
	}
	return c.Sources
}

// GetFrameQueueDepth returns the frame_queue_depth value or the default.
func (c *TuningConfig) GetFrameQueueDepth() int {
	if c.FrameQueueDepth == nil {
		return 8
	}
	return *c.FrameQueueDepth
}

// GetResultHistorySize returns the result_history_size value or the default.
func (c *TuningConfig) GetResultHistorySize() int {
	if c.ResultHistorySize == nil {
		return 256
	}
	return *c.ResultHistorySize
}

// GetNumericBackend returns the numeric_backend value or the default.
func (c *TuningConfig) GetNumericBackend() string {
	if c.NumericBackend == nil || *c.NumericBackend == "" {
		return "float" // default
	}
	return *c.NumericBackend
}
