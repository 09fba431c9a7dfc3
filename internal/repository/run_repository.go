package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null"

	"github.com/jengzang/mobility-features-go/internal/models"
)

// ErrNotFound is returned when a run or feature row does not exist
var ErrNotFound = errors.New("not found")

// RunRepository handles database operations for aggregation runs
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run in status running. An empty ID is assigned a UUID.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.ConfigJSON == "" {
		run.ConfigJSON = "{}"
	}
	run.Status = models.RunStatusRunning

	query := `
		INSERT INTO aggregation_runs (
			id, input_path, index_name, resolution, config_json, status,
			chunks_total, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.InputPath,
		run.IndexName,
		run.Resolution,
		run.ConfigJSON,
		run.Status,
		run.ChunksTotal,
		run.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateProgress records the counters of a running run
func (r *RunRepository) UpdateProgress(ctx context.Context, id string, c models.RunCounters) error {
	query := `
		UPDATE aggregation_runs
		SET chunks_total = ?,
		    chunks_done = ?,
		    pings = ?,
		    skipped_pings = ?,
		    out_of_order = ?,
		    cells = ?,
		    progress_percent = ?
		WHERE id = ? AND status = 'running'
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ChunksTotal, c.ChunksDone, c.Pings, c.SkippedPings, c.OutOfOrder, c.Cells, c.ProgressPct, id)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// MarkFinished closes a run as completed or partial with its final counters.
// imputeErr is recorded when imputation failed after a successful aggregation.
func (r *RunRepository) MarkFinished(ctx context.Context, id string, status models.RunStatus, c models.RunCounters, imputeErr string) error {
	if status != models.RunStatusCompleted && status != models.RunStatusPartial {
		return fmt.Errorf("invalid final status %q", status)
	}

	query := `
		UPDATE aggregation_runs
		SET status = ?,
		    chunks_total = ?,
		    chunks_done = ?,
		    pings = ?,
		    skipped_pings = ?,
		    out_of_order = ?,
		    cells = ?,
		    progress_percent = ?,
		    impute_error = ?,
		    completed_at = ?
		WHERE id = ?
	`
	return r.exec(ctx, query,
		status, c.ChunksTotal, c.ChunksDone, c.Pings, c.SkippedPings, c.OutOfOrder, c.Cells, c.ProgressPct,
		imputeErr, time.Now().UTC().Unix(), id)
}

// MarkFailed marks a run as failed with an error message
func (r *RunRepository) MarkFailed(ctx context.Context, id string, errorMsg string) error {
	query := `
		UPDATE aggregation_runs
		SET status = 'failed',
		    error_message = ?,
		    completed_at = ?
		WHERE id = ?
	`
	return r.exec(ctx, query, errorMsg, time.Now().UTC().Unix(), id)
}

func (r *RunRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, input_path, index_name, resolution, config_json, status,
	chunks_total, chunks_done, pings, skipped_pings, out_of_order, cells, progress_percent,
	error_message, impute_error, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s rowScanner) (*models.Run, error) {
	var run models.Run
	var startedAt int64
	var completedAt null.Int

	err := s.Scan(
		&run.ID, &run.InputPath, &run.IndexName, &run.Resolution, &run.ConfigJSON, &run.Status,
		&run.ChunksTotal, &run.ChunksDone, &run.Pings, &run.SkippedPings, &run.OutOfOrder, &run.Cells,
		&run.ProgressPct, &run.ErrorMessage, &run.ImputeError, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetByID retrieves a run by ID
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM aggregation_runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List returns runs, newest first
func (r *RunRepository) List(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM aggregation_runs`

	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
