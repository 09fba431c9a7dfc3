package service

import (
	"context"

	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/repository"
	"github.com/jengzang/mobility-features-go/internal/spatial"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// FeatureService handles queries over persisted runs and feature rows
type FeatureService struct {
	runs     *repository.RunRepository
	features *repository.FeatureRepository
}

// NewFeatureService creates a new feature service
func NewFeatureService(runs *repository.RunRepository, featureRepo *repository.FeatureRepository) *FeatureService {
	return &FeatureService{runs: runs, features: featureRepo}
}

// FeaturePage is one page of feature rows
type FeaturePage struct {
	Run      *models.Run            `json:"run"`
	Features []models.FeatureRecord `json:"features"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// ListRuns returns runs, newest first
func (s *FeatureService) ListRuns(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = defaultPageSize
	}
	return s.runs.List(ctx, filter)
}

// GetRun returns one run
func (s *FeatureService) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.runs.GetByID(ctx, id)
}

// ListFeatures returns a page of a run's feature rows
func (s *FeatureService) ListFeatures(ctx context.Context, runID string, filter models.FeatureFilter) (*FeaturePage, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = defaultPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	records, total, err := s.features.List(ctx, runID, filter)
	if err != nil {
		return nil, err
	}
	return &FeaturePage{
		Run:      run,
		Features: records,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// GetFeature returns one cell of a run with the cell centre filled in
func (s *FeatureService) GetFeature(ctx context.Context, runID, hexID string) (*models.FeatureRecord, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	rec, err := s.features.Get(ctx, runID, hexID)
	if err != nil {
		return nil, err
	}

	indexer, err := spatial.NewIndexer(run.IndexName)
	if err != nil {
		return nil, err
	}
	if lat, lon, err := indexer.Center(spatial.Cell(hexID)); err == nil {
		rec.CenterLat, rec.CenterLon = lat, lon
	}
	return rec, nil
}
