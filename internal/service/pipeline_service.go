package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jengzang/mobility-features-go/internal/analysis"
	"github.com/jengzang/mobility-features-go/internal/config"
	"github.com/jengzang/mobility-features-go/internal/features"
	"github.com/jengzang/mobility-features-go/internal/impute"
	"github.com/jengzang/mobility-features-go/internal/metrics"
	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/repository"
	"github.com/jengzang/mobility-features-go/internal/source"
	"github.com/jengzang/mobility-features-go/internal/spatial"
)

// PipelineService runs aggregation passes and assembles feature tables
type PipelineService struct {
	pipeline config.PipelineConfig
	impute   config.ImputeConfig

	runs     *repository.RunRepository     // nil disables the run ledger
	features *repository.FeatureRepository // nil disables persistence
	metrics  *metrics.Pipeline
	logger   *zap.SugaredLogger
}

// NewPipelineService creates a pipeline service. Repositories and metrics
// may be nil.
func NewPipelineService(cfg *config.Config, runs *repository.RunRepository, featureRepo *repository.FeatureRepository,
	m *metrics.Pipeline, logger *zap.SugaredLogger) *PipelineService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PipelineService{
		pipeline: cfg.Pipeline,
		impute:   cfg.Impute,
		runs:     runs,
		features: featureRepo,
		metrics:  m,
		logger:   logger,
	}
}

// AggregateRequest names the input pings and where to write the table
type AggregateRequest struct {
	InputPath  string
	OutputPath string // .csv or .parquet; empty skips writing
}

// AggregateResult is the outcome of one aggregation run
type AggregateResult struct {
	RunID   string
	Status  models.RunStatus
	Summary analysis.Summary
	// Raw is the finalized table before imputation
	Raw *features.Table
	// Table is the imputed table, or Raw when imputation is disabled or failed
	Table  *features.Table
	Report *impute.Report
}

// Aggregate runs one aggregation pass over req.InputPath, imputes the
// result and persists it. When only imputation fails the result is
// returned together with the *impute.ImputationError.
func (s *PipelineService) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	indexer, err := spatial.NewIndexer(s.pipeline.Index)
	if err != nil {
		return nil, err
	}
	unit, err := source.ParseTimestampUnit(s.pipeline.TimestampUnit)
	if err != nil {
		return nil, err
	}
	agg, err := analysis.NewAggregator(indexer, analysis.Options{
		BaseResolution:    s.pipeline.BaseResolution,
		ReducedResolution: s.pipeline.ReducedResolution,
		InvalidPolicy:     analysis.InvalidPolicy(s.pipeline.InvalidPolicy),
		DwellMode:         analysis.DwellMode(s.pipeline.DwellMode),
	})
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		InputPath:  req.InputPath,
		IndexName:  indexer.Name(),
		Resolution: agg.Resolution(),
		ConfigJSON: s.configSnapshot(),
	}
	if err := s.createRun(ctx, run); err != nil {
		return nil, err
	}
	logger := s.logger.With("run_id", run.ID)

	src, err := source.OpenParquet(req.InputPath, source.Options{
		ChunkSize:     s.pipeline.ChunkSize,
		TimestampUnit: unit,
	})
	if err != nil {
		s.fail(run, err)
		return nil, err
	}
	defer src.Close()

	p := &analysis.Pipeline{
		Source:     src,
		Aggregator: agg,
		Prefetch:   s.pipeline.Prefetch,
		Logger:     logger,
		Metrics:    s.metrics,
		OnProgress: func(pr analysis.Progress) {
			s.recordProgress(ctx, run.ID, counters(agg.Summary(), pr.Total, pr.Percent))
		},
	}

	runErr := p.Run(ctx)
	cancelled := errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)
	if runErr != nil && !(cancelled && s.pipeline.AllowPartial) {
		s.fail(run, runErr)
		return nil, runErr
	}

	res, err := agg.Finalize(s.pipeline.AllowPartial)
	if err != nil {
		s.fail(run, err)
		return nil, err
	}
	if res.Partial {
		logger.Warnw("Finalizing partial aggregation", "chunks_folded", res.Summary.Chunks, "chunks", src.Len())
	}
	if res.Summary.EmptyDwellCells > 0 {
		logger.Infow("Cells without dwell samples", "cells", res.Summary.EmptyDwellCells)
	}

	result := &AggregateResult{
		RunID:   run.ID,
		Status:  models.RunStatusCompleted,
		Summary: res.Summary,
		Raw:     features.FromFeatureRows(res.Rows, res.Partial),
	}
	if res.Partial {
		result.Status = models.RunStatusPartial
	}

	imputeErr := s.imputeTable(result, logger)

	// persistence and output failures fail the run; an imputation failure does not
	if err := s.persist(run, res, result); err != nil {
		s.fail(run, err)
		return nil, err
	}
	if req.OutputPath != "" {
		if err := WriteTable(req.OutputPath, result.Table); err != nil {
			s.fail(run, err)
			return nil, err
		}
		logger.Infow("Wrote feature table", "path", req.OutputPath, "rows", result.Table.Len())
	}

	imputeMsg := ""
	if imputeErr != nil {
		imputeMsg = imputeErr.Error()
	}
	final := counters(res.Summary, src.Len(), 100)
	if res.Partial && src.Len() > 0 {
		final.ProgressPct = float64(res.Summary.Chunks) / float64(src.Len()) * 100
	}
	if s.runs != nil {
		if err := s.runs.MarkFinished(context.Background(), run.ID, result.Status, final, imputeMsg); err != nil {
			logger.Errorw("Failed to close run", "error", err)
		}
	}
	s.countRun(result.Status)

	logger.Infow("Run finished", "status", result.Status, "cells", res.Summary.Cells, "imputed", reportTotal(result.Report))
	return result, imputeErr
}

// imputeTable fills result.Table. The error is an *impute.ImputationError
// or a configuration error; result.Table is Raw in either case.
func (s *PipelineService) imputeTable(result *AggregateResult, logger *zap.SugaredLogger) error {
	result.Table = result.Raw
	if !s.impute.Enabled || result.Raw.Len() == 0 {
		return nil
	}

	knn, err := impute.NewKNN(impute.Options{Neighbors: s.impute.Neighbors, Exclude: s.impute.Exclude})
	if err != nil {
		return err
	}
	table, report, err := knn.FitTransform(result.Raw)
	if err != nil {
		logger.Errorw("Imputation failed, keeping un-imputed table", "error", err)
		return err
	}

	result.Table = table
	result.Report = report
	for column, n := range report.Filled {
		if s.metrics != nil {
			s.metrics.Imputed.WithLabelValues(column).Add(float64(n))
		}
		logger.Debugw("Imputed column", "column", column, "values", n)
	}
	return nil
}

func (s *PipelineService) persist(run *models.Run, res *analysis.Result, result *AggregateResult) error {
	if s.features == nil {
		return nil
	}

	rows, err := result.Table.FeatureRows()
	if err != nil {
		return err
	}
	records := make([]models.FeatureRecord, len(rows))
	for i, row := range rows {
		row.DwellSamples = res.Rows[i].DwellSamples
		records[i] = models.FeatureRecord{
			RunID:      run.ID,
			Resolution: res.Resolution,
			Imputed:    result.Report != nil && result.Report.Rows[i],
			FeatureRow: row,
		}
	}

	if err := s.features.SaveRows(context.Background(), run.ID, records); err != nil {
		return fmt.Errorf("failed to persist features: %w", err)
	}
	return nil
}

func (s *PipelineService) createRun(ctx context.Context, run *models.Run) error {
	if s.runs == nil {
		run.ID = "local"
		return nil
	}
	if err := s.runs.Create(context.WithoutCancel(ctx), run); err != nil {
		return err
	}
	s.logger.Infow("Run started", "run_id", run.ID, "input", run.InputPath)
	return nil
}

func (s *PipelineService) recordProgress(ctx context.Context, id string, c models.RunCounters) {
	if s.runs == nil {
		return
	}
	if err := s.runs.UpdateProgress(ctx, id, c); err != nil && ctx.Err() == nil {
		s.logger.Warnw("Failed to record progress", "run_id", id, "error", err)
	}
}

// fail records err on the run ledger. It uses a fresh context so a
// cancelled run is still closed.
func (s *PipelineService) fail(run *models.Run, err error) {
	s.countRun(models.RunStatusFailed)
	if s.runs == nil {
		return
	}
	if mErr := s.runs.MarkFailed(context.Background(), run.ID, err.Error()); mErr != nil {
		s.logger.Errorw("Failed to mark run as failed", "run_id", run.ID, "error", mErr)
	}
}

func (s *PipelineService) countRun(status models.RunStatus) {
	if s.metrics != nil {
		s.metrics.Runs.WithLabelValues(string(status)).Inc()
	}
}

func (s *PipelineService) configSnapshot() string {
	b, err := json.Marshal(struct {
		Pipeline config.PipelineConfig `json:"pipeline"`
		Impute   config.ImputeConfig   `json:"impute"`
	}{s.pipeline, s.impute})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func counters(sum analysis.Summary, total int, percent float64) models.RunCounters {
	return models.RunCounters{
		ChunksTotal:  total,
		ChunksDone:   sum.Chunks,
		Pings:        sum.Pings,
		SkippedPings: sum.SkippedPings,
		OutOfOrder:   sum.OutOfOrder,
		Cells:        sum.Cells,
		ProgressPct:  percent,
	}
}

func reportTotal(r *impute.Report) int {
	if r == nil {
		return 0
	}
	return r.Total()
}

// WriteTable writes t as parquet when path ends in .parquet, CSV otherwise
func WriteTable(path string, t *features.Table) error {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return features.WriteParquetFile(path, t)
	}
	return features.WriteCSVFile(path, t)
}
