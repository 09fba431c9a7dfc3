// Package impute fills missing feature values from their nearest neighbours.
package impute

import (
	"fmt"
	"math"
	"sort"

	"github.com/jengzang/mobility-features-go/internal/features"
	"github.com/jengzang/mobility-features-go/internal/stats"
)

// DefaultNeighbors is used when Options.Neighbors is zero
const DefaultNeighbors = 5

// Options configures a KNN imputer
type Options struct {
	Neighbors int
	// Exclude lists columns that are neither imputed nor used for distances
	Exclude []string
}

// KNN imputes each missing value as the uniform mean of the k nearest rows
// that observe the column. Distances are euclidean over the coordinates
// both rows observe, scaled up by the share of coordinates present.
//
// The neighbour structure is built once by Fit and reused by every
// Transform, so a second table never leaks into the first.
type KNN struct {
	k       int
	exclude map[string]bool

	columns []string    // fitted columns, in fit table order
	donors  [][]float64 // fit rows projected on columns
	means   []float64
	fitted  bool
}

// NewKNN creates an unfitted imputer
func NewKNN(opts Options) (*KNN, error) {
	k := opts.Neighbors
	if k == 0 {
		k = DefaultNeighbors
	}
	if k < 0 {
		return nil, fmt.Errorf("neighbors must be positive, got %d", k)
	}

	exclude := make(map[string]bool, len(opts.Exclude))
	for _, c := range opts.Exclude {
		exclude[c] = true
	}
	return &KNN{k: k, exclude: exclude}, nil
}

// Columns returns the fitted columns
func (m *KNN) Columns() []string {
	return append([]string(nil), m.columns...)
}

// Fit learns the donor rows from t. A column with no observed value fails
// with an ImputationError.
func (m *KNN) Fit(t *features.Table) error {
	var columns []string
	var idx []int
	for i, c := range t.Columns {
		if !m.exclude[c] {
			columns = append(columns, c)
			idx = append(idx, i)
		}
	}

	donors := project(t, idx)
	means := make([]float64, len(columns))
	column := make([]float64, len(donors))
	for j, name := range columns {
		for i, row := range donors {
			column[i] = row[j]
		}
		mean, ok := stats.Mean(stats.NonMissing(column))
		if !ok {
			return &ImputationError{Column: name, Err: ErrAllMissing}
		}
		means[j] = mean
	}

	m.columns = columns
	m.donors = donors
	m.means = means
	m.fitted = true
	return nil
}

// Report describes what a Transform filled
type Report struct {
	Filled map[string]int // values filled per column
	Rows   []bool         // rows with at least one filled value
}

// Total returns the number of filled values
func (r *Report) Total() int {
	n := 0
	for _, c := range r.Filled {
		n += c
	}
	return n
}

// Transform returns a copy of t with every missing value of the fitted
// columns filled. t itself is not modified; present values are kept.
func (m *KNN) Transform(t *features.Table) (*features.Table, *Report, error) {
	if !m.fitted {
		return nil, nil, ErrNotFitted
	}

	idx := make([]int, len(m.columns))
	for j, name := range m.columns {
		idx[j] = t.Column(name)
		if idx[j] < 0 {
			return nil, nil, fmt.Errorf("%w: %q", ErrColumnMismatch, name)
		}
	}

	rows := project(t, idx)
	out := t.Clone()
	report := &Report{Filled: make(map[string]int), Rows: make([]bool, t.Len())}

	for j, name := range m.columns {
		var candidates []int
		for i, row := range m.donors {
			if !math.IsNaN(row[j]) {
				candidates = append(candidates, i)
			}
		}

		for r, row := range rows {
			if !math.IsNaN(row[j]) {
				continue
			}
			out.Values[r][idx[j]] = m.estimate(row, j, candidates)
			report.Filled[name]++
			report.Rows[r] = true
		}
	}

	return out, report, nil
}

// FitTransform fits on t and imputes it
func (m *KNN) FitTransform(t *features.Table) (*features.Table, *Report, error) {
	if err := m.Fit(t); err != nil {
		return nil, nil, err
	}
	return m.Transform(t)
}

type neighbour struct {
	donor int
	dist  float64
}

// estimate averages column j over the k nearest candidates of row. When no
// candidate shares an observed coordinate with row, the column mean is used.
func (m *KNN) estimate(row []float64, j int, candidates []int) float64 {
	nearest := make([]neighbour, 0, len(candidates))
	for _, d := range candidates {
		dist := nanEuclidean(row, m.donors[d])
		if !math.IsNaN(dist) {
			nearest = append(nearest, neighbour{donor: d, dist: dist})
		}
	}
	if len(nearest) == 0 {
		return m.means[j]
	}

	sort.SliceStable(nearest, func(a, b int) bool {
		if nearest[a].dist != nearest[b].dist {
			return nearest[a].dist < nearest[b].dist
		}
		return nearest[a].donor < nearest[b].donor
	})
	if len(nearest) > m.k {
		nearest = nearest[:m.k]
	}

	values := make([]float64, len(nearest))
	for i, n := range nearest {
		values[i] = m.donors[n.donor][j]
	}
	mean, _ := stats.Mean(values)
	return mean
}

// nanEuclidean ignores coordinates missing in either row and scales the
// squared distance by total/present coordinates. NaN when nothing overlaps.
func nanEuclidean(a, b []float64) float64 {
	var sum float64
	present := 0
	for i := range a {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		d := a[i] - b[i]
		sum += d * d
		present++
	}
	if present == 0 {
		return math.NaN()
	}
	return math.Sqrt(float64(len(a)) / float64(present) * sum)
}

func project(t *features.Table, idx []int) [][]float64 {
	out := make([][]float64, t.Len())
	for i, row := range t.Values {
		p := make([]float64, len(idx))
		for j, c := range idx {
			p[j] = row[c]
		}
		out[i] = p
	}
	return out
}
