package service

import (
	"fmt"

	"github.com/jengzang/mobility-features-go/internal/features"
	"github.com/jengzang/mobility-features-go/internal/impute"
)

// MergeRequest joins several per-cell CSV tables into one
type MergeRequest struct {
	Inputs     []string
	KeyColumn  string
	OutputPath string
}

// Merge outer-joins the inputs on the key column and imputes the result.
// On an imputation error the joined, un-imputed table is returned with it.
func (s *PipelineService) Merge(req MergeRequest) (*features.Table, *impute.Report, error) {
	if len(req.Inputs) == 0 {
		return nil, nil, fmt.Errorf("merge needs at least one input")
	}

	tables := make([]*features.Table, 0, len(req.Inputs))
	for _, path := range req.Inputs {
		t, err := features.ReadCSVFile(path, req.KeyColumn)
		if err != nil {
			return nil, nil, err
		}
		tables = append(tables, t)
	}

	joined, err := features.OuterJoin(tables...)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Infow("Merged feature tables", "inputs", len(tables), "rows", joined.Len(), "columns", len(joined.Columns))

	out := joined
	var report *impute.Report
	var imputeErr error
	if s.impute.Enabled && joined.Len() > 0 {
		knn, err := impute.NewKNN(impute.Options{Neighbors: s.impute.Neighbors, Exclude: s.impute.Exclude})
		if err != nil {
			return nil, nil, err
		}
		if imputed, r, err := knn.FitTransform(joined); err != nil {
			s.logger.Errorw("Imputation failed, writing un-imputed table", "error", err)
			imputeErr = err
		} else {
			out, report = imputed, r
		}
	}

	if req.OutputPath != "" {
		if err := WriteTable(req.OutputPath, out); err != nil {
			return nil, nil, err
		}
	}
	return out, report, imputeErr
}

// EnrichRequest attaches a feature table to a primary and a secondary table
type EnrichRequest struct {
	FeaturesPath  string
	PrimaryPath   string
	SecondaryPath string
	KeyColumn     string
	PrimaryOut    string
	SecondaryOut  string
}

// EnrichResult holds both enriched tables
type EnrichResult struct {
	Primary   *features.Table
	Secondary *features.Table
	Reports   [2]*impute.Report
}

// Enrich left-joins the features onto both tables, fits the imputer on the
// primary table only and applies that same fit to both. When imputation
// fails the joined tables are still written and returned with the error.
func (s *PipelineService) Enrich(req EnrichRequest) (*EnrichResult, error) {
	feats, err := features.ReadCSVFile(req.FeaturesPath, req.KeyColumn)
	if err != nil {
		return nil, err
	}
	primary, err := features.ReadCSVFile(req.PrimaryPath, req.KeyColumn)
	if err != nil {
		return nil, err
	}
	secondary, err := features.ReadCSVFile(req.SecondaryPath, req.KeyColumn)
	if err != nil {
		return nil, err
	}

	if primary, err = features.LeftJoin(primary, feats); err != nil {
		return nil, fmt.Errorf("failed to enrich primary table: %w", err)
	}
	if secondary, err = features.LeftJoin(secondary, feats); err != nil {
		return nil, fmt.Errorf("failed to enrich secondary table: %w", err)
	}

	result := &EnrichResult{Primary: primary, Secondary: secondary}
	imputeErr := s.imputeEnriched(result)
	if imputeErr != nil {
		s.logger.Errorw("Imputation failed, writing un-imputed tables", "error", imputeErr)
	} else {
		s.logger.Infow("Enriched tables",
			"primary_rows", result.Primary.Len(), "primary_imputed", result.Reports[0].Total(),
			"secondary_rows", result.Secondary.Len(), "secondary_imputed", result.Reports[1].Total(),
		)
	}

	if req.PrimaryOut != "" {
		if err := WriteTable(req.PrimaryOut, result.Primary); err != nil {
			return nil, err
		}
	}
	if req.SecondaryOut != "" {
		if err := WriteTable(req.SecondaryOut, result.Secondary); err != nil {
			return nil, err
		}
	}
	return result, imputeErr
}

// imputeEnriched replaces both tables with their imputed versions. On error
// res keeps the joined, un-imputed tables.
func (s *PipelineService) imputeEnriched(res *EnrichResult) error {
	knn, err := impute.NewKNN(impute.Options{Neighbors: s.impute.Neighbors, Exclude: s.impute.Exclude})
	if err != nil {
		return err
	}
	if err := knn.Fit(res.Primary); err != nil {
		return err
	}
	primary, r0, err := knn.Transform(res.Primary)
	if err != nil {
		return err
	}
	secondary, r1, err := knn.Transform(res.Secondary)
	if err != nil {
		return err
	}
	res.Primary, res.Secondary = primary, secondary
	res.Reports = [2]*impute.Report{r0, r1}
	return nil
}
