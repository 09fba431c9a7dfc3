package models

import "github.com/guregu/null"

// Output column names of the mobility feature table
const (
	ColumnHexID              = "hex_id"
	ColumnMobilityDensity    = "mobility_density"
	ColumnAvgTimeInHex       = "avg_time_in_hex"
	ColumnTimeInHexVariance  = "time_in_hex_variance"
	ColumnAvgVisitsPerDevice = "avg_visits_per_device"
)

// FeatureColumns lists the numeric columns of a FeatureRow in output order
var FeatureColumns = []string{
	ColumnMobilityDensity,
	ColumnAvgTimeInHex,
	ColumnTimeInHexVariance,
	ColumnAvgVisitsPerDevice,
}

// FeatureRow holds the finalized statistics of one spatial cell.
// Invalid fields are missing and eligible for imputation.
type FeatureRow struct {
	HexID              string     `json:"hex_id" db:"hex_id"`
	MobilityDensity    null.Int   `json:"mobility_density" db:"mobility_density"`         // distinct devices
	AvgTimeInHex       null.Float `json:"avg_time_in_hex" db:"avg_time_in_hex"`           // seconds
	TimeInHexVariance  null.Float `json:"time_in_hex_variance" db:"time_in_hex_variance"` // seconds^2
	AvgVisitsPerDevice null.Float `json:"avg_visits_per_device" db:"avg_visits_per_device"`
	DwellSamples       int64      `json:"dwell_samples" db:"dwell_samples"`
}

// FeatureRecord is a persisted FeatureRow
type FeatureRecord struct {
	RunID      string  `json:"run_id"`
	Resolution int     `json:"resolution"`
	Imputed    bool    `json:"imputed"`
	CenterLat  float64 `json:"center_lat,omitempty"`
	CenterLon  float64 `json:"center_lon,omitempty"`
	FeatureRow
}
