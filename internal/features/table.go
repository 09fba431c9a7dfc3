// Package features holds the row-per-cell feature table, its joins and its
// CSV and parquet encodings.
package features

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/guregu/null"

	"github.com/jengzang/mobility-features-go/internal/models"
)

var (
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrDuplicateColumn  = errors.New("duplicate column")
	ErrMissingKeyColumn = errors.New("missing key column")
	ErrUnknownColumn    = errors.New("unknown column")
	ErrRowWidthMismatch = errors.New("row width does not match columns")
)

// Table is a row-per-key table of numeric columns. Missing values are NaN.
type Table struct {
	KeyColumn string
	Columns   []string
	Keys      []string
	Values    [][]float64 // Values[row][column]
	Partial   bool        // built from an aggregation that did not see all input

	index map[string]int
}

// NewTable creates an empty table
func NewTable(keyColumn string, columns ...string) (*Table, error) {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if c == keyColumn || seen[c] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, c)
		}
		seen[c] = true
	}
	return &Table{
		KeyColumn: keyColumn,
		Columns:   append([]string(nil), columns...),
		index:     make(map[string]int),
	}, nil
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.Keys) }

// AddRow appends a row. values must have one entry per column.
func (t *Table) AddRow(key string, values []float64) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("%w: key %q has %d values for %d columns",
			ErrRowWidthMismatch, key, len(values), len(t.Columns))
	}
	if t.index == nil {
		t.reindex()
	}
	if _, ok := t.index[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	t.index[key] = len(t.Keys)
	t.Keys = append(t.Keys, key)
	t.Values = append(t.Values, append([]float64(nil), values...))
	return nil
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Keys))
	for i, k := range t.Keys {
		t.index[k] = i
	}
}

// Row returns the index of key, or -1
func (t *Table) Row(key string) int {
	if t.index == nil {
		t.reindex()
	}
	if i, ok := t.index[key]; ok {
		return i
	}
	return -1
}

// Column returns the index of a column, or -1
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Missing reports how many rows lack a value in column col
func (t *Table) Missing(col int) int {
	n := 0
	for _, row := range t.Values {
		if math.IsNaN(row[col]) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy
func (t *Table) Clone() *Table {
	out := &Table{
		KeyColumn: t.KeyColumn,
		Columns:   append([]string(nil), t.Columns...),
		Keys:      append([]string(nil), t.Keys...),
		Values:    make([][]float64, len(t.Values)),
		Partial:   t.Partial,
	}
	for i, row := range t.Values {
		out.Values[i] = append([]float64(nil), row...)
	}
	out.reindex()
	return out
}

// SortByKey orders rows by key
func (t *Table) SortByKey() {
	order := make([]int, len(t.Keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return t.Keys[order[a]] < t.Keys[order[b]] })

	keys := make([]string, len(order))
	values := make([][]float64, len(order))
	for i, j := range order {
		keys[i] = t.Keys[j]
		values[i] = t.Values[j]
	}
	t.Keys, t.Values = keys, values
	t.reindex()
}

// FromFeatureRows builds a table with the standard feature columns
func FromFeatureRows(rows []models.FeatureRow, partial bool) *Table {
	t := &Table{
		KeyColumn: models.ColumnHexID,
		Columns:   append([]string(nil), models.FeatureColumns...),
		Keys:      make([]string, 0, len(rows)),
		Values:    make([][]float64, 0, len(rows)),
		Partial:   partial,
	}
	for _, r := range rows {
		t.Keys = append(t.Keys, r.HexID)
		t.Values = append(t.Values, []float64{
			intValue(r.MobilityDensity),
			floatValue(r.AvgTimeInHex),
			floatValue(r.TimeInHexVariance),
			floatValue(r.AvgVisitsPerDevice),
		})
	}
	t.reindex()
	return t
}

// FeatureRows converts the standard feature columns back into rows. Extra
// columns are ignored; a missing standard column is an error.
func (t *Table) FeatureRows() ([]models.FeatureRow, error) {
	cols := make([]int, len(models.FeatureColumns))
	for i, name := range models.FeatureColumns {
		cols[i] = t.Column(name)
		if cols[i] < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
	}

	rows := make([]models.FeatureRow, len(t.Keys))
	for i, key := range t.Keys {
		v := t.Values[i]
		rows[i] = models.FeatureRow{
			HexID:              key,
			MobilityDensity:    toNullInt(v[cols[0]]),
			AvgTimeInHex:       toNullFloat(v[cols[1]]),
			TimeInHexVariance:  toNullFloat(v[cols[2]]),
			AvgVisitsPerDevice: toNullFloat(v[cols[3]]),
		}
	}
	return rows, nil
}

func intValue(v null.Int) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return float64(v.Int64)
}

func floatValue(v null.Float) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func toNullInt(v float64) null.Int {
	if math.IsNaN(v) {
		return null.Int{}
	}
	// imputed densities are neighbour means and get rounded back to a count
	return null.IntFrom(int64(math.Round(v)))
}

func toNullFloat(v float64) null.Float {
	if math.IsNaN(v) {
		return null.Float{}
	}
	return null.FloatFrom(v)
}
