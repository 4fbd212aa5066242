package arbiter

import "github.com/banshee-data/depth.fusion/internal/config"

// CollectorConfigFromTuning builds a CollectorConfig from a loaded
// TuningConfig. The caller still has to supply OnFrame, and a Clock if
// the wall clock will not do.
func CollectorConfigFromTuning(cfg *config.TuningConfig) CollectorConfig {
	return CollectorConfig{
		Sources:      cfg.GetSources(),
		FrameTimeout: cfg.GetFrameTimeout(),
		QueueDepth:   cfg.GetFrameQueueDepth(),
	}
}
