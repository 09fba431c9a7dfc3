package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jengzang/mobility-features-go/internal/database"
	"github.com/jengzang/mobility-features-go/internal/models"
)

// FeatureRepository handles database operations for persisted feature rows
type FeatureRepository struct {
	db *sql.DB
}

// NewFeatureRepository creates a new feature repository
func NewFeatureRepository(db *sql.DB) *FeatureRepository {
	return &FeatureRepository{db: db}
}

// SaveRows replaces the feature rows of a run in one transaction
func (r *FeatureRepository) SaveRows(ctx context.Context, runID string, records []models.FeatureRecord) error {
	return database.Transaction(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mobility_features WHERE run_id = ?", runID); err != nil {
			return fmt.Errorf("failed to clear features: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO mobility_features (
				run_id, hex_id, resolution, mobility_density, avg_time_in_hex,
				time_in_hex_variance, avg_visits_per_device, dwell_samples, imputed
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			_, err := stmt.ExecContext(ctx,
				runID,
				rec.HexID,
				rec.Resolution,
				rec.MobilityDensity,
				rec.AvgTimeInHex,
				rec.TimeInHexVariance,
				rec.AvgVisitsPerDevice,
				rec.DwellSamples,
				rec.Imputed,
			)
			if err != nil {
				return fmt.Errorf("failed to insert feature %s: %w", rec.HexID, err)
			}
		}
		return nil
	})
}

const featureColumns = `run_id, hex_id, resolution, mobility_density, avg_time_in_hex,
	time_in_hex_variance, avg_visits_per_device, dwell_samples, imputed`

func scanFeature(s rowScanner) (*models.FeatureRecord, error) {
	var rec models.FeatureRecord
	err := s.Scan(
		&rec.RunID, &rec.HexID, &rec.Resolution, &rec.MobilityDensity, &rec.AvgTimeInHex,
		&rec.TimeInHexVariance, &rec.AvgVisitsPerDevice, &rec.DwellSamples, &rec.Imputed,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the feature rows of a run ordered by hex_id, plus the number
// of rows matching the filter before paging.
func (r *FeatureRepository) List(ctx context.Context, runID string, filter models.FeatureFilter) ([]models.FeatureRecord, int, error) {
	conditions := []string{"run_id = ?"}
	args := []interface{}{runID}

	if filter.MinDensity > 0 {
		conditions = append(conditions, "mobility_density >= ?")
		args = append(args, filter.MinDensity)
	}
	if filter.Imputed != nil {
		conditions = append(conditions, "imputed = ?")
		args = append(args, *filter.Imputed)
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mobility_features"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count features: %w", err)
	}

	query := "SELECT " + featureColumns + " FROM mobility_features" + where + " ORDER BY hex_id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query features: %w", err)
	}
	defer rows.Close()

	records := []models.FeatureRecord{}
	for rows.Next() {
		rec, err := scanFeature(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan feature: %w", err)
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

// Get returns one feature row of a run
func (r *FeatureRepository) Get(ctx context.Context, runID, hexID string) (*models.FeatureRecord, error) {
	query := "SELECT " + featureColumns + " FROM mobility_features WHERE run_id = ? AND hex_id = ?"

	rec, err := scanFeature(r.db.QueryRowContext(ctx, query, runID, hexID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}
	return rec, nil
}
