package fusion

import (
	"errors"

	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
)

// Sentinel errors shared across the engine. Callers branch with errors.Is;
// everything else wraps these with context.
var (
	// ErrNoValidSource means a frame had no source with positive fusion
	// weight. The frame is skipped; the pipeline keeps running.
	ErrNoValidSource = errors.New("fusion: no valid source in frame")

	// ErrInsufficientData rejects a calibration fit with too few triples.
	// The previous parameters stay installed.
	ErrInsufficientData = errors.New("fusion: insufficient calibration data")

	// ErrUnknownDeterminismField re-exports the detmath registry error so
	// composition roots can treat it as fatal without importing detmath.
	ErrUnknownDeterminismField = detmath.ErrUnknownField
)
