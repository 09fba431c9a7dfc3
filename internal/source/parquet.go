package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/schema"

	"github.com/jengzang/mobility-features-go/internal/models"
)

const readBatchSize = 8192

// ParquetSource yields one or more chunks per parquet row group. Only the
// four required columns are decoded.
type ParquetSource struct {
	path   string
	pf     *file.Reader
	opts   Options
	colIdx map[string]int

	total    int
	rowGroup int
	next     int
	pending  []models.Ping
}

// OpenParquet opens a parquet dataset and validates its schema
func OpenParquet(path string, opts Options) (*ParquetSource, error) {
	if opts.TimestampUnit == 0 {
		opts.TimestampUnit = time.Second
	}

	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrSource, path, err)
	}

	colIdx, err := resolveColumns(pf.MetaData().Schema)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSource, path, err)
	}

	total := 0
	for i := 0; i < pf.NumRowGroups(); i++ {
		total += splitCount(int(pf.RowGroup(i).NumRows()), opts.ChunkSize)
	}

	return &ParquetSource{
		path:   path,
		pf:     pf,
		opts:   opts,
		colIdx: colIdx,
		total:  total,
	}, nil
}

func resolveColumns(sc *schema.Schema) (map[string]int, error) {
	idx := map[string]int{
		ColumnDeviceID:  -1,
		ColumnLat:       -1,
		ColumnLon:       -1,
		ColumnTimestamp: -1,
	}
	for i := 0; i < sc.NumColumns(); i++ {
		name := sc.Column(i).Name()
		if pos, ok := idx[name]; ok && pos == -1 {
			idx[name] = i
		}
	}
	for _, name := range []string{ColumnDeviceID, ColumnLat, ColumnLon, ColumnTimestamp} {
		if idx[name] == -1 {
			return nil, fmt.Errorf("required column %q not found", name)
		}
	}
	return idx, nil
}

// Len returns the number of chunks the file will yield
func (s *ParquetSource) Len() int { return s.total }

// Next returns the next chunk, or io.EOF after the last row group
func (s *ParquetSource) Next(ctx context.Context) (models.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return models.Chunk{}, err
	}

	for len(s.pending) == 0 {
		if s.rowGroup >= s.pf.NumRowGroups() {
			return models.Chunk{}, io.EOF
		}
		pings, err := s.readRowGroup(s.rowGroup)
		if err != nil {
			return models.Chunk{}, fmt.Errorf("%w: %s row group %d: %v", ErrSource, s.path, s.rowGroup, err)
		}
		s.rowGroup++
		s.pending = pings
	}

	n := len(s.pending)
	if s.opts.ChunkSize > 0 && n > s.opts.ChunkSize {
		n = s.opts.ChunkSize
	}
	chunk := models.Chunk{Index: s.next, Pings: s.pending[:n:n]}
	s.pending = s.pending[n:]
	s.next++
	return chunk, nil
}

// Close releases the underlying file
func (s *ParquetSource) Close() error {
	return s.pf.Close()
}

func (s *ParquetSource) readRowGroup(i int) ([]models.Ping, error) {
	rg := s.pf.RowGroup(i)
	numRows := int(rg.NumRows())
	if numRows == 0 {
		return nil, nil
	}

	column := func(name string) (file.ColumnChunkReader, error) {
		col, err := rg.Column(s.colIdx[name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		return col, nil
	}

	col, err := column(ColumnDeviceID)
	if err != nil {
		return nil, err
	}
	devices, devOK, err := readDeviceIDs(col, numRows)
	if err != nil {
		return nil, err
	}

	if col, err = column(ColumnLat); err != nil {
		return nil, err
	}
	lats, latOK, err := readFloats(col, numRows)
	if err != nil {
		return nil, err
	}

	if col, err = column(ColumnLon); err != nil {
		return nil, err
	}
	lons, lonOK, err := readFloats(col, numRows)
	if err != nil {
		return nil, err
	}

	if col, err = column(ColumnTimestamp); err != nil {
		return nil, err
	}
	stamps, tsOK, err := readTimestamps(col, numRows, s.opts.TimestampUnit)
	if err != nil {
		return nil, err
	}

	pings := make([]models.Ping, numRows)
	for r := 0; r < numRows; r++ {
		p := models.Ping{
			DeviceID:  devices[r],
			Lat:       lats[r],
			Lon:       lons[r],
			Timestamp: stamps[r],
		}
		// nulls surface as invalid records for the aggregator's policy
		if !devOK[r] {
			p.DeviceID = ""
		}
		if !latOK[r] {
			p.Lat = math.NaN()
		}
		if !lonOK[r] {
			p.Lon = math.NaN()
		}
		if !tsOK[r] {
			p.Timestamp = time.Time{}
		}
		pings[r] = p
	}
	return pings, nil
}

type batchReader[T any] interface {
	ReadBatch(batchSize int64, values []T, defLvls, repLvls []int16) (int64, int, error)
}

// readAll decodes a whole column chunk into one value per row. Values are
// converted as they are read since byte arrays alias page buffers.
func readAll[T, V any](rd batchReader[T], maxDef int16, numRows int, conv func(T) V) ([]V, []bool, error) {
	out := make([]V, 0, numRows)
	valid := make([]bool, 0, numRows)
	buf := make([]T, readBatchSize)
	defs := make([]int16, readBatchSize)

	for len(out) < numRows {
		total, read, err := rd.ReadBatch(readBatchSize, buf, defs, nil)
		if err != nil {
			return nil, nil, err
		}
		if total == 0 {
			break
		}
		if maxDef == 0 {
			for i := 0; i < read; i++ {
				out = append(out, conv(buf[i]))
				valid = append(valid, true)
			}
			continue
		}
		vi := 0
		for i := 0; i < int(total); i++ {
			if defs[i] == maxDef {
				out = append(out, conv(buf[vi]))
				valid = append(valid, true)
				vi++
			} else {
				var zero V
				out = append(out, zero)
				valid = append(valid, false)
			}
		}
	}

	if len(out) != numRows {
		return nil, nil, fmt.Errorf("read %d values, row group has %d rows", len(out), numRows)
	}
	return out, valid, nil
}

func readDeviceIDs(col file.ColumnChunkReader, numRows int) ([]string, []bool, error) {
	maxDef := col.Descriptor().MaxDefinitionLevel()
	switch rd := col.(type) {
	case *file.ByteArrayColumnChunkReader:
		return readAll[parquet.ByteArray](rd, maxDef, numRows, func(v parquet.ByteArray) string { return string(v) })
	case *file.FixedLenByteArrayColumnChunkReader:
		return readAll[parquet.FixedLenByteArray](rd, maxDef, numRows, func(v parquet.FixedLenByteArray) string { return string(v) })
	case *file.Int64ColumnChunkReader:
		return readAll[int64](rd, maxDef, numRows, func(v int64) string { return strconv.FormatInt(v, 10) })
	case *file.Int32ColumnChunkReader:
		return readAll[int32](rd, maxDef, numRows, func(v int32) string { return strconv.FormatInt(int64(v), 10) })
	default:
		return nil, nil, fmt.Errorf("column %s: unsupported type %s", ColumnDeviceID, col.Type())
	}
}

func readFloats(col file.ColumnChunkReader, numRows int) ([]float64, []bool, error) {
	maxDef := col.Descriptor().MaxDefinitionLevel()
	switch rd := col.(type) {
	case *file.Float64ColumnChunkReader:
		return readAll[float64](rd, maxDef, numRows, func(v float64) float64 { return v })
	case *file.Float32ColumnChunkReader:
		return readAll[float32](rd, maxDef, numRows, func(v float32) float64 { return float64(v) })
	default:
		return nil, nil, fmt.Errorf("column %s: unsupported type %s", col.Descriptor().Name(), col.Type())
	}
}

func readTimestamps(col file.ColumnChunkReader, numRows int, fallback time.Duration) ([]time.Time, []bool, error) {
	descr := col.Descriptor()
	maxDef := descr.MaxDefinitionLevel()
	unit := timestampUnit(descr, fallback)

	switch rd := col.(type) {
	case *file.Int64ColumnChunkReader:
		return readAll[int64](rd, maxDef, numRows, func(v int64) time.Time { return fromUnits(v, unit) })
	case *file.Int32ColumnChunkReader:
		return readAll[int32](rd, maxDef, numRows, func(v int32) time.Time { return fromUnits(int64(v), unit) })
	case *file.Float64ColumnChunkReader:
		return readAll[float64](rd, maxDef, numRows, fromSeconds)
	default:
		return nil, nil, fmt.Errorf("column %s: unsupported type %s", ColumnTimestamp, col.Type())
	}
}

// timestampUnit honours a TIMESTAMP logical or converted type when present
func timestampUnit(descr *schema.Column, fallback time.Duration) time.Duration {
	if ts, ok := descr.LogicalType().(*schema.TimestampLogicalType); ok {
		switch ts.TimeUnit() {
		case schema.TimeUnitMillis:
			return time.Millisecond
		case schema.TimeUnitMicros:
			return time.Microsecond
		case schema.TimeUnitNanos:
			return time.Nanosecond
		}
	}
	switch descr.ConvertedType() {
	case schema.ConvertedTypes.TimestampMillis:
		return time.Millisecond
	case schema.ConvertedTypes.TimestampMicros:
		return time.Microsecond
	}
	return fallback
}
