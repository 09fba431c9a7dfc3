package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values.
// ok is false for an empty slice.
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return math.NaN(), false
	}
	return stat.Mean(values, nil), true
}

// MeanVariance calculates the mean and unbiased sample variance with the
// two-pass algorithm. ok is false when fewer than two values are given;
// the mean is still returned for a single value.
func MeanVariance(values []float64) (mean, variance float64, ok bool) {
	switch len(values) {
	case 0:
		return math.NaN(), math.NaN(), false
	case 1:
		return values[0], math.NaN(), false
	}
	mean, variance = stat.MeanVariance(values, nil)
	return mean, variance, true
}

// FromSamples builds a Running accumulator from raw samples
func FromSamples(values []float64) Running {
	var r Running
	for _, v := range values {
		r.Add(v)
	}
	return r
}

// Sum returns the sum of all values
func Sum(values []float64) float64 {
	return floats.Sum(values)
}

// NonMissing returns the values that are not NaN
func NonMissing(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
