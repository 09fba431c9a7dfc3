// Package metrics exposes prometheus collectors for the aggregation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the collectors updated while chunks are folded
type Pipeline struct {
	Chunks       *prometheus.CounterVec
	Pings        *prometheus.CounterVec
	DwellSamples prometheus.Counter
	FoldSeconds  prometheus.Histogram
	Cells        prometheus.Gauge
	Runs         *prometheus.CounterVec
	Imputed      *prometheus.CounterVec
}

// NewPipeline creates the pipeline collectors and registers them with reg
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	m := &Pipeline{
		Chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mobility_chunks_total",
				Help: "Chunks read from the input, by outcome",
			},
			[]string{"outcome"},
		),
		Pings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mobility_pings_total",
				Help: "Pings seen by the aggregator, by outcome",
			},
			[]string{"outcome"},
		),
		DwellSamples: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mobility_dwell_samples_total",
				Help: "Dwell samples attributed to cells",
			},
		),
		FoldSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mobility_chunk_fold_seconds",
				Help:    "Time spent folding one chunk into the accumulators",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		Cells: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mobility_cells",
				Help: "Cells held by the current aggregation run",
			},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mobility_runs_total",
				Help: "Aggregation runs, by final status",
			},
			[]string{"status"},
		),
		Imputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mobility_imputed_values_total",
				Help: "Values filled by the imputer, by column",
			},
			[]string{"column"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Chunks, m.Pings, m.DwellSamples, m.FoldSeconds, m.Cells, m.Runs, m.Imputed)
	}
	return m
}
