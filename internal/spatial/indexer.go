package spatial

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Cell identifies a spatial bucket at a fixed resolution. It is a pure
// function of (lat, lon, resolution) for a given Indexer.
type Cell string

var (
	// ErrInvalidCoordinate is returned for NaN or out-of-range lat/lon.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrInvalidResolution is returned when a resolution is outside the
	// indexer's range or a parent resolution is finer than the cell's.
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrInvalidCell is returned for identifiers the indexer cannot decode.
	ErrInvalidCell = errors.New("invalid cell")
)

// Indexer maps coordinates to hierarchical cells.
type Indexer interface {
	// Name returns the indexer kind ("s2", "geohash").
	Name() string
	// MaxResolution is the finest resolution supported.
	MaxResolution() int
	// Cell maps a coordinate to its cell at the given resolution.
	Cell(lat, lon float64, resolution int) (Cell, error)
	// Parent maps a cell to its ancestor at a coarser resolution.
	Parent(cell Cell, resolution int) (Cell, error)
	// Resolution returns the resolution a cell was produced at.
	Resolution(cell Cell) (int, error)
	// Center returns the centre of a cell in degrees.
	Center(cell Cell) (lat, lon float64, err error)
}

// NewIndexer returns the indexer registered under name.
func NewIndexer(name string) (Indexer, error) {
	switch strings.ToLower(name) {
	case "", "s2":
		return S2Indexer{}, nil
	case "geohash":
		return GeohashIndexer{}, nil
	default:
		return nil, fmt.Errorf("unknown spatial index %q", name)
	}
}

// ValidateCoordinate rejects NaN, infinite and out-of-domain coordinates.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, lat, lon)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, lon)
	}
	return nil
}

func checkResolution(idx Indexer, resolution int) error {
	if resolution < 0 || resolution > idx.MaxResolution() {
		return fmt.Errorf("%w: %s resolution %d not in [0,%d]",
			ErrInvalidResolution, idx.Name(), resolution, idx.MaxResolution())
	}
	return nil
}
