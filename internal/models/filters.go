package models

// FeatureFilter represents filter parameters for querying feature rows
type FeatureFilter struct {
	MinDensity int64 `form:"minDensity"`
	Imputed    *bool `form:"imputed"`
	Limit      int   `form:"limit"`
	Offset     int   `form:"offset"`
}

// RunFilter represents filter parameters for listing runs
type RunFilter struct {
	Status string `form:"status"` // running, completed, partial, failed
	Limit  int    `form:"limit"`
}
