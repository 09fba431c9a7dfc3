package features

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ReadCSV reads a table whose header names keyColumn and numeric columns.
// Empty cells and NA/NaN/null markers are missing values.
func ReadCSV(r io.Reader, keyColumn string) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty input", ErrMissingKeyColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	keyIdx := -1
	var columns []string
	for i, h := range header {
		if h == keyColumn {
			keyIdx = i
			continue
		}
		columns = append(columns, h)
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingKeyColumn, keyColumn)
	}

	t, err := NewTable(keyColumn, columns...)
	if err != nil {
		return nil, err
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read line %d: %w", line, err)
		}

		values := make([]float64, 0, len(columns))
		for i, field := range record {
			if i == keyIdx {
				continue
			}
			v, err := parseValue(field)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, header[i], err)
			}
			values = append(values, v)
		}
		if err := t.AddRow(record[keyIdx], values); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	return t, nil
}

// ReadCSVFile reads a table from a CSV file
func ReadCSVFile(path, keyColumn string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	t, err := ReadCSV(f, keyColumn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func parseValue(field string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "", "na", "nan", "null":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(strings.TrimSpace(field), 64)
}

// WriteCSV writes the key column followed by every numeric column.
// Missing values are written as empty cells.
func WriteCSV(w io.Writer, t *Table) error {
	writer := csv.NewWriter(w)

	header := append([]string{t.KeyColumn}, t.Columns...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	record := make([]string, len(header))
	for i, key := range t.Keys {
		record[0] = key
		for j, v := range t.Values[i] {
			record[j+1] = formatValue(v)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row %q: %w", key, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteCSVFile writes a table to path, replacing any existing file
func WriteCSVFile(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteCSV(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
