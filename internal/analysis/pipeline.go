package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jengzang/mobility-features-go/internal/metrics"
	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/source"
)

// Pipeline drives one aggregation pass. Reading runs on its own goroutine
// up to Prefetch chunks ahead; folding stays on a single goroutine.
type Pipeline struct {
	Source     source.ChunkSource
	Aggregator *Aggregator
	Prefetch   int
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Pipeline
	OnProgress ProgressFunc
}

// Run folds every chunk of the source. On success the aggregator is marked
// complete; on error or cancellation it holds a partial pass.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	prefetch := p.Prefetch
	if prefetch < 0 {
		prefetch = 0
	}

	total := p.Source.Len()
	started := time.Now()
	logger.Infow("Starting aggregation", "chunks", total, "resolution", p.Aggregator.Resolution())

	chunks := make(chan models.Chunk, prefetch)
	eof := false // written before close(chunks)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		for {
			chunk, err := p.Source.Next(gctx)
			if err == io.EOF {
				eof = true
				return nil
			}
			if err != nil {
				p.countChunk("error")
				return fmt.Errorf("failed to read chunk: %w", err)
			}
			select {
			case chunks <- chunk:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case chunk, ok := <-chunks:
				if !ok {
					if eof {
						p.Aggregator.MarkComplete()
					}
					return nil
				}
				if err := p.fold(chunk); err != nil {
					return err
				}

				summary := p.Aggregator.Summary()
				progress := newProgress(summary.Chunks, total, summary.SkippedPings, started)
				logger.Debugw("Folded chunk",
					"chunk", chunk.Index,
					"pings", len(chunk.Pings),
					"cells", summary.Cells,
					"percent", progress.Percent,
				)
				if p.OnProgress != nil {
					p.OnProgress(progress)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warnw("Aggregation cancelled", "chunks_folded", p.Aggregator.Summary().Chunks, "chunks", total)
		} else {
			logger.Errorw("Aggregation failed", "error", err)
		}
		return err
	}

	summary := p.Aggregator.Summary()
	logger.Infow("Aggregation completed",
		"chunks", summary.Chunks,
		"pings", summary.Pings,
		"skipped", summary.SkippedPings,
		"out_of_order", summary.OutOfOrder,
		"cells", summary.Cells,
		"duration", time.Since(started).String(),
	)
	return nil
}

func (p *Pipeline) fold(chunk models.Chunk) error {
	before := p.Aggregator.Summary()
	start := time.Now()

	if err := p.Aggregator.Fold(chunk); err != nil {
		p.countChunk("error")
		return fmt.Errorf("failed to fold chunk %d: %w", chunk.Index, err)
	}

	after := p.Aggregator.Summary()
	if skipped := after.SkippedPings - before.SkippedPings; skipped > 0 && p.Logger != nil {
		p.Logger.Warnw("Skipped invalid pings", "chunk", chunk.Index, "skipped", skipped)
	}

	if p.Metrics != nil {
		p.Metrics.FoldSeconds.Observe(time.Since(start).Seconds())
		p.Metrics.Chunks.WithLabelValues("folded").Inc()
		p.Metrics.Pings.WithLabelValues("folded").Add(float64(after.Pings - before.Pings))
		p.Metrics.Pings.WithLabelValues("skipped").Add(float64(after.SkippedPings - before.SkippedPings))
		p.Metrics.DwellSamples.Add(float64(after.DwellSamples - before.DwellSamples))
		p.Metrics.Cells.Set(float64(after.Cells))
	}
	return nil
}

func (p *Pipeline) countChunk(outcome string) {
	if p.Metrics != nil {
		p.Metrics.Chunks.WithLabelValues(outcome).Inc()
	}
}
