package spatial

import (
	"fmt"

	"github.com/golang/geo/s2"
)

// S2Indexer buckets coordinates into S2 cells. Cells are rendered as S2
// tokens; resolution is the S2 level (0-30).
type S2Indexer struct{}

// Name returns "s2"
func (S2Indexer) Name() string { return "s2" }

// MaxResolution returns the finest S2 level
func (S2Indexer) MaxResolution() int { return s2.MaxLevel }

// Cell returns the token of the S2 cell containing (lat, lon) at level resolution
func (i S2Indexer) Cell(lat, lon float64, resolution int) (Cell, error) {
	if err := ValidateCoordinate(lat, lon); err != nil {
		return "", err
	}
	if err := checkResolution(i, resolution); err != nil {
		return "", err
	}

	id := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon)).Parent(resolution)
	return Cell(id.ToToken()), nil
}

// Parent returns the ancestor of cell at the coarser level resolution
func (i S2Indexer) Parent(cell Cell, resolution int) (Cell, error) {
	id, err := decodeS2(cell)
	if err != nil {
		return "", err
	}
	if err := checkResolution(i, resolution); err != nil {
		return "", err
	}
	if resolution > id.Level() {
		return "", fmt.Errorf("%w: parent level %d finer than cell level %d",
			ErrInvalidResolution, resolution, id.Level())
	}
	return Cell(id.Parent(resolution).ToToken()), nil
}

// Resolution returns the S2 level of cell
func (S2Indexer) Resolution(cell Cell) (int, error) {
	id, err := decodeS2(cell)
	if err != nil {
		return 0, err
	}
	return id.Level(), nil
}

// Center returns the centre of the S2 cell in degrees
func (S2Indexer) Center(cell Cell) (float64, float64, error) {
	id, err := decodeS2(cell)
	if err != nil {
		return 0, 0, err
	}
	ll := id.LatLng()
	return ll.Lat.Degrees(), ll.Lng.Degrees(), nil
}

func decodeS2(cell Cell) (s2.CellID, error) {
	id := s2.CellIDFromToken(string(cell))
	if !id.IsValid() {
		return 0, fmt.Errorf("%w: s2 token %q", ErrInvalidCell, cell)
	}
	return id, nil
}
