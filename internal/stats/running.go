package stats

import "math"

// Running accumulates count, mean and the sum of squared deviations (M2) of
// a sample in O(1) memory using Welford's update. Two Running values built
// over disjoint samples combine exactly with Merge (Chan et al.).
type Running struct {
	N    int64
	Mean float64
	M2   float64
}

// Add folds one observation into the accumulator
func (r *Running) Add(x float64) {
	r.N++
	delta := x - r.Mean
	r.Mean += delta / float64(r.N)
	r.M2 += delta * (x - r.Mean)
}

// Merge folds another accumulator built over a disjoint sample
func (r *Running) Merge(o Running) {
	if o.N == 0 {
		return
	}
	if r.N == 0 {
		*r = o
		return
	}

	n := r.N + o.N
	delta := o.Mean - r.Mean
	r.M2 += o.M2 + delta*delta*float64(r.N)*float64(o.N)/float64(n)
	r.Mean += delta * float64(o.N) / float64(n)
	r.N = n
}

// MeanValue returns the sample mean; ok is false for an empty sample
func (r Running) MeanValue() (float64, bool) {
	if r.N == 0 {
		return math.NaN(), false
	}
	return r.Mean, true
}

// Variance returns the unbiased (n-1) sample variance; ok is false when
// fewer than two observations were folded.
func (r Running) Variance() (float64, bool) {
	if r.N < 2 {
		return math.NaN(), false
	}
	v := r.M2 / float64(r.N-1)
	if v < 0 {
		// rounding can push a zero-spread sample slightly negative
		v = 0
	}
	return v, true
}
