package recorder

import "math"

const (
	// FullScale is the reference amplitude of 16-bit capture
	FullScale = 32767

	// DefaultMeteringFloorDB is reported for silence
	DefaultMeteringFloorDB = -160.0
)

// DecibelsFromPeak converts a peak amplitude to dBFS. A peak of zero or less maps to floor.
func DecibelsFromPeak(peak int, floor float64) float64 {
	if peak <= 0 {
		return floor
	}
	db := 20 * math.Log10(float64(peak)/FullScale)
	if db < floor {
		return floor
	}
	return db
}
