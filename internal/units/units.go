// Package units canonicalizes sensor-native depth and confidence values
// for ingest. The fusion pipeline works in meters and unit-interval
// confidence; bench sensors on the serial path report whatever their
// firmware emits.
package units

import "math"

// Depth unit constants accepted on ingest
const (
	Meters      = "m"
	Centimeters = "cm"
	Millimeters = "mm"
)

// ValidUnits contains all accepted depth units
var ValidUnits = []string{Meters, Centimeters, Millimeters}

// IsValid checks if the given unit is in the list of accepted depth units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of accepted depth
// units for error messages
func GetValidUnitsString() string {
	return "m, cm, mm"
}

// ToMeters converts a depth from the given unit into meters, the unit the
// pipeline stores. Unknown or empty units pass through unchanged, so a
// record that names no unit is read as meters and callers validate
// explicit units first.
func ToMeters(depth float64, unit string) float64 {
	switch unit {
	case Millimeters:
		return depth / 1000
	case Centimeters:
		return depth / 100
	default:
		return depth
	}
}

// ClampConfidence pins a reported confidence into [0,1]. NaN maps to
// zero so the sample reads as invalid downstream.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
