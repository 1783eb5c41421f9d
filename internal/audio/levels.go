package audio

import (
	"math"
	"slices"
)

const (
	// FloorDB is the level reported for empty or effectively silent input.
	FloorDB = -80.0
	// DefaultSilenceThresholdDB is the level at or below which audio counts as silence.
	DefaultSilenceThresholdDB = -70.0
	// minRMS is the RMS below which the level is clamped to FloorDB.
	minRMS = 1e-10
)

// LevelDB returns the decibel level of the AC-coupled signal: the DC offset
// (mean) is removed before the RMS is taken. The reference is full scale.
func LevelDB(samples []float32) float64 {
	if len(samples) == 0 {
		return FloorDB
	}

	n := float64(len(samples))
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / n

	var sumSquares float64
	for _, s := range samples {
		d := float64(s) - mean
		sumSquares += d * d
	}

	rms := math.Sqrt(sumSquares / n)
	if rms > minRMS {
		return 20 * math.Log10(rms)
	}
	return FloorDB
}

// Median returns the median of values, averaging the two middle values for
// even counts. It returns NaN for an empty slice. values is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
