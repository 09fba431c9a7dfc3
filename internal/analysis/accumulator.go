package analysis

import (
	"math"
	"time"

	"github.com/guregu/null"

	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/spatial"
	"github.com/jengzang/mobility-features-go/internal/stats"
)

// DeviceVisitState is the last ping seen for a device. It is the only state
// carried from one chunk to the next.
type DeviceVisitState struct {
	Cell      spatial.Cell
	Timestamp time.Time
}

// CellAccumulator holds the running statistics of one cell across chunks.
type CellAccumulator struct {
	// Visits counts pings per device. Its key set is the unique-device set,
	// so density never double counts a device seen in several chunks.
	Visits map[string]int64
	// Dwell summarises every dwell sample attributed to the cell
	Dwell stats.Running
	// Samples retains raw dwell samples in DwellSamples mode only
	Samples []float64
}

func newCellAccumulator() *CellAccumulator {
	return &CellAccumulator{Visits: make(map[string]int64)}
}

// Density returns the number of distinct devices seen in the cell
func (c *CellAccumulator) Density() int {
	return len(c.Visits)
}

// merge folds one chunk's contribution into the accumulator
func (c *CellAccumulator) merge(d *cellDelta, keepSamples bool) {
	for device, n := range d.visits {
		c.Visits[device] += n
	}
	c.Dwell.Merge(d.dwell)
	if keepSamples {
		c.Samples = append(c.Samples, d.samples...)
	}
}

// row converts the accumulator into a FeatureRow
func (c *CellAccumulator) row(cell spatial.Cell, mode DwellMode) models.FeatureRow {
	row := models.FeatureRow{
		HexID:           string(cell),
		MobilityDensity: null.IntFrom(int64(c.Density())),
		DwellSamples:    c.Dwell.N,
	}

	var mean, variance float64
	var hasMean, hasVariance bool
	if mode == DwellSamples {
		mean, variance, hasVariance = stats.MeanVariance(c.Samples)
		hasMean = len(c.Samples) > 0
	} else {
		mean, hasMean = c.Dwell.MeanValue()
		variance, hasVariance = c.Dwell.Variance()
	}
	row.AvgTimeInHex = nullFloat(mean, hasMean)
	row.TimeInHexVariance = nullFloat(variance, hasVariance)

	var total int64
	for _, n := range c.Visits {
		total += n
	}
	if len(c.Visits) > 0 {
		row.AvgVisitsPerDevice = null.FloatFrom(float64(total) / float64(len(c.Visits)))
	}
	return row
}

func nullFloat(v float64, ok bool) null.Float {
	if !ok || math.IsNaN(v) {
		return null.Float{}
	}
	return null.FloatFrom(v)
}

// cellDelta is one chunk's immutable contribution to a cell
type cellDelta struct {
	visits  map[string]int64
	dwell   stats.Running
	samples []float64
}

// chunkDelta is everything a chunk contributes: per-cell deltas plus the
// device states to carry into the next chunk.
type chunkDelta struct {
	index      int
	cells      map[spatial.Cell]*cellDelta
	carry      map[string]DeviceVisitState
	pings      int64
	skipped    int64
	outOfOrder int64
	dwell      int64
}

func (d *chunkDelta) cell(c spatial.Cell) *cellDelta {
	cd, ok := d.cells[c]
	if !ok {
		cd = &cellDelta{visits: make(map[string]int64)}
		d.cells[c] = cd
	}
	return cd
}
