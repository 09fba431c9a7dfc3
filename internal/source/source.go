// Package source streams ping batches into the aggregation pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jengzang/mobility-features-go/internal/models"
)

// Required input columns
const (
	ColumnDeviceID  = "device_id"
	ColumnLat       = "lat"
	ColumnLon       = "lon"
	ColumnTimestamp = "timestamp"
)

// ErrSource marks a fatal input failure: missing or unreadable dataset,
// missing required column or an unreadable batch.
var ErrSource = errors.New("source error")

// ChunkSource is a finite, forward-only sequence of ping batches. Next
// returns io.EOF after the last batch. Restarting means opening a new source.
type ChunkSource interface {
	// Len is the number of batches the source will yield. It is meant for
	// progress reporting only.
	Len() int
	Next(ctx context.Context) (models.Chunk, error)
	Close() error
}

// Options controls how a source cuts and decodes batches
type Options struct {
	// ChunkSize splits storage batches larger than this many rows. Zero keeps
	// storage batches (parquet row groups) as they are.
	ChunkSize int
	// TimestampUnit interprets integer timestamps without a logical type
	TimestampUnit time.Duration
}

// ParseTimestampUnit maps "s", "ms", "us", "ns" to a duration
func ParseTimestampUnit(unit string) (time.Duration, error) {
	switch unit {
	case "", "s":
		return time.Second, nil
	case "ms":
		return time.Millisecond, nil
	case "us":
		return time.Microsecond, nil
	case "ns":
		return time.Nanosecond, nil
	default:
		return 0, fmt.Errorf("unknown timestamp unit %q", unit)
	}
}

func fromUnits(v int64, unit time.Duration) time.Time {
	switch unit {
	case time.Second:
		return time.Unix(v, 0).UTC()
	case time.Millisecond:
		return time.UnixMilli(v).UTC()
	case time.Microsecond:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v*int64(unit)).UTC()
	}
}

func fromSeconds(v float64) time.Time {
	return time.Unix(0, int64(v*float64(time.Second))).UTC()
}

// splitCount is the number of chunks a batch of rows is cut into
func splitCount(rows, chunkSize int) int {
	if rows == 0 {
		return 0
	}
	if chunkSize <= 0 || rows <= chunkSize {
		return 1
	}
	return (rows + chunkSize - 1) / chunkSize
}

// MemorySource serves pre-built batches, one chunk per batch
type MemorySource struct {
	batches [][]models.Ping
	next    int
}

// NewMemorySource creates a source over in-memory batches
func NewMemorySource(batches ...[]models.Ping) *MemorySource {
	return &MemorySource{batches: batches}
}

// Len returns the number of batches
func (m *MemorySource) Len() int { return len(m.batches) }

// Next returns the next batch or io.EOF
func (m *MemorySource) Next(ctx context.Context) (models.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return models.Chunk{}, err
	}
	if m.next >= len(m.batches) {
		return models.Chunk{}, io.EOF
	}
	chunk := models.Chunk{Index: m.next, Pings: m.batches[m.next]}
	m.next++
	return chunk, nil
}

// Close is a no-op
func (m *MemorySource) Close() error { return nil }
