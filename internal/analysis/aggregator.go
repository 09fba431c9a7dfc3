package analysis

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/spatial"
)

// InvalidPolicy decides what happens to a ping that cannot be indexed
type InvalidPolicy string

const (
	// InvalidSkip drops the ping and counts it
	InvalidSkip InvalidPolicy = "skip"
	// InvalidFail aborts the aggregation on the first invalid ping
	InvalidFail InvalidPolicy = "fail"
)

// DwellMode selects how dwell statistics are kept per cell
type DwellMode string

const (
	// DwellStreaming keeps count, mean and M2 per cell (bounded memory)
	DwellStreaming DwellMode = "streaming"
	// DwellSamples keeps every raw sample and computes two-pass statistics
	DwellSamples DwellMode = "samples"
)

var (
	// ErrInvalidPing wraps every per-record failure
	ErrInvalidPing = errors.New("invalid ping")
	// ErrPartialResult is returned when finalizing a pass that did not reach
	// the end of its input without acknowledging it as partial.
	ErrPartialResult = errors.New("aggregation did not see the whole input")
	// ErrFinalized is returned when folding into a finalized aggregator
	ErrFinalized = errors.New("aggregator already finalized")
)

// Options configures an Aggregator
type Options struct {
	BaseResolution    int
	ReducedResolution int // 0 disables re-bucketing
	InvalidPolicy     InvalidPolicy
	DwellMode         DwellMode
}

// Summary counts what a pass has folded so far
type Summary struct {
	Chunks          int   `json:"chunks"`
	Pings           int64 `json:"pings"`
	SkippedPings    int64 `json:"skipped_pings"`
	OutOfOrder      int64 `json:"out_of_order"`
	DwellSamples    int64 `json:"dwell_samples"`
	Cells           int   `json:"cells"`
	EmptyDwellCells int   `json:"empty_dwell_cells"`
}

// Result is the finalized output of one aggregation pass
type Result struct {
	Rows       []models.FeatureRow
	Summary    Summary
	Resolution int
	Partial    bool
}

// Aggregator folds ping chunks into per-cell accumulators. One Aggregator
// is one aggregation run; it has a single writer and must not be shared
// between goroutines.
type Aggregator struct {
	indexer spatial.Indexer
	opts    Options

	cells   map[spatial.Cell]*CellAccumulator
	devices map[string]DeviceVisitState
	summary Summary

	complete  bool
	finalized bool
}

// NewAggregator creates an aggregator for one run
func NewAggregator(indexer spatial.Indexer, opts Options) (*Aggregator, error) {
	if opts.InvalidPolicy == "" {
		opts.InvalidPolicy = InvalidSkip
	}
	if opts.DwellMode == "" {
		opts.DwellMode = DwellStreaming
	}

	switch opts.InvalidPolicy {
	case InvalidSkip, InvalidFail:
	default:
		return nil, fmt.Errorf("unknown invalid policy %q", opts.InvalidPolicy)
	}
	switch opts.DwellMode {
	case DwellStreaming, DwellSamples:
	default:
		return nil, fmt.Errorf("unknown dwell mode %q", opts.DwellMode)
	}

	if opts.BaseResolution < 1 || opts.BaseResolution > indexer.MaxResolution() {
		return nil, fmt.Errorf("%w: base resolution %d not in [1,%d]",
			spatial.ErrInvalidResolution, opts.BaseResolution, indexer.MaxResolution())
	}
	if opts.ReducedResolution < 0 || (opts.ReducedResolution > 0 && opts.ReducedResolution >= opts.BaseResolution) {
		return nil, fmt.Errorf("%w: reduced resolution %d must be coarser than base %d",
			spatial.ErrInvalidResolution, opts.ReducedResolution, opts.BaseResolution)
	}

	return &Aggregator{
		indexer: indexer,
		opts:    opts,
		cells:   make(map[spatial.Cell]*CellAccumulator),
		devices: make(map[string]DeviceVisitState),
	}, nil
}

// Resolution is the resolution cells are aggregated at
func (a *Aggregator) Resolution() int {
	if a.opts.ReducedResolution > 0 {
		return a.opts.ReducedResolution
	}
	return a.opts.BaseResolution
}

// Summary returns the counters of the pass so far
func (a *Aggregator) Summary() Summary {
	s := a.summary
	s.Cells = len(a.cells)
	return s
}

// Fold derives a chunk's contribution and merges it into the accumulators.
// A chunk that fails leaves the accumulators untouched.
func (a *Aggregator) Fold(chunk models.Chunk) error {
	if a.finalized {
		return ErrFinalized
	}

	delta, err := a.derive(chunk)
	if err != nil {
		return err
	}
	a.merge(delta)
	return nil
}

// MarkComplete records that the source signalled end of input
func (a *Aggregator) MarkComplete() {
	a.complete = true
}

// Complete reports whether the whole input was folded
func (a *Aggregator) Complete() bool {
	return a.complete
}

// Finalize converts the accumulators into feature rows sorted by cell.
// An incomplete pass fails with ErrPartialResult unless allowPartial is set.
// Device state is discarded afterwards.
func (a *Aggregator) Finalize(allowPartial bool) (*Result, error) {
	if a.finalized {
		return nil, ErrFinalized
	}
	if !a.complete && !allowPartial {
		return nil, fmt.Errorf("%w: %d chunks folded", ErrPartialResult, a.summary.Chunks)
	}

	keys := make([]spatial.Cell, 0, len(a.cells))
	for cell := range a.cells {
		keys = append(keys, cell)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	summary := a.Summary()
	rows := make([]models.FeatureRow, 0, len(keys))
	for _, cell := range keys {
		row := a.cells[cell].row(cell, a.opts.DwellMode)
		if !row.AvgTimeInHex.Valid {
			summary.EmptyDwellCells++
		}
		rows = append(rows, row)
	}

	a.finalized = true
	a.devices = nil

	return &Result{
		Rows:       rows,
		Summary:    summary,
		Resolution: a.Resolution(),
		Partial:    !a.complete,
	}, nil
}

// Cell returns the accumulator of a cell, nil when the cell was never seen
func (a *Aggregator) Cell(cell spatial.Cell) *CellAccumulator {
	return a.cells[cell]
}

type cellPing struct {
	device string
	cell   spatial.Cell
	ping   models.Ping
}

func (a *Aggregator) locate(p models.Ping) (spatial.Cell, error) {
	if p.DeviceID == "" {
		return "", fmt.Errorf("%w: empty device id", ErrInvalidPing)
	}
	if p.Timestamp.IsZero() {
		return "", fmt.Errorf("%w: missing timestamp", ErrInvalidPing)
	}

	cell, err := a.indexer.Cell(p.Lat, p.Lon, a.opts.BaseResolution)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPing, err)
	}
	if a.opts.ReducedResolution > 0 {
		cell, err = a.indexer.Parent(cell, a.opts.ReducedResolution)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidPing, err)
		}
	}
	return cell, nil
}

// derive computes a chunk's contribution without touching the accumulators
func (a *Aggregator) derive(chunk models.Chunk) (*chunkDelta, error) {
	delta := &chunkDelta{
		index: chunk.Index,
		cells: make(map[spatial.Cell]*cellDelta),
		carry: make(map[string]DeviceVisitState),
	}

	located := make([]cellPing, 0, len(chunk.Pings))
	for i, p := range chunk.Pings {
		cell, err := a.locate(p)
		if err != nil {
			if a.opts.InvalidPolicy == InvalidFail {
				return nil, fmt.Errorf("chunk %d row %d: %w", chunk.Index, i, err)
			}
			delta.skipped++
			continue
		}
		located = append(located, cellPing{device: p.DeviceID, cell: cell, ping: p})
	}
	delta.pings = int64(len(located))

	// establish each device's temporal order within the chunk
	sort.SliceStable(located, func(i, j int) bool {
		if located[i].device != located[j].device {
			return located[i].device < located[j].device
		}
		return located[i].ping.Timestamp.Before(located[j].ping.Timestamp)
	})

	keepSamples := a.opts.DwellMode == DwellSamples
	for i := 0; i < len(located); {
		j := i + 1
		for j < len(located) && located[j].device == located[i].device {
			j++
		}
		a.walkDevice(delta, located[i:j], keepSamples)
		i = j
	}

	return delta, nil
}

// walkDevice attributes dwell samples along one device's time-ordered pings.
// State carried from an earlier chunk takes its place in that order as a
// point that records no visit, so every sample joins two adjacent points.
// Pings earlier than the carried state are counted as out of order.
func (a *Aggregator) walkDevice(delta *chunkDelta, pings []cellPing, keepSamples bool) {
	device := pings[0].device
	carried, pending := a.devices[device]

	var prev DeviceVisitState
	hasPrev := false
	step := func(cell spatial.Cell, ts time.Time) {
		if hasPrev && cell == prev.Cell {
			sample := ts.Sub(prev.Timestamp).Seconds()
			cd := delta.cell(cell)
			cd.dwell.Add(sample)
			if keepSamples {
				cd.samples = append(cd.samples, sample)
			}
			delta.dwell++
		}
		prev = DeviceVisitState{Cell: cell, Timestamp: ts}
		hasPrev = true
	}

	for _, cp := range pings {
		if pending {
			if cp.ping.Timestamp.Before(carried.Timestamp) {
				delta.outOfOrder++
			} else {
				step(carried.Cell, carried.Timestamp)
				pending = false
			}
		}
		delta.cell(cp.cell).visits[device]++
		step(cp.cell, cp.ping.Timestamp)
	}
	if pending {
		step(carried.Cell, carried.Timestamp)
	}
	delta.carry[device] = prev
}

// merge folds a derived chunk into the accumulators
func (a *Aggregator) merge(d *chunkDelta) {
	keepSamples := a.opts.DwellMode == DwellSamples
	for cell, cd := range d.cells {
		acc, ok := a.cells[cell]
		if !ok {
			acc = newCellAccumulator()
			a.cells[cell] = acc
		}
		acc.merge(cd, keepSamples)
	}
	for device, state := range d.carry {
		a.devices[device] = state
	}

	a.summary.Chunks++
	a.summary.Pings += d.pings
	a.summary.SkippedPings += d.skipped
	a.summary.OutOfOrder += d.outOfOrder
	a.summary.DwellSamples += d.dwell
}
