package spatial

import (
	"fmt"
)

// Base32 encoding for geohash
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

const maxGeohashPrecision = 12

// GeohashIndexer buckets coordinates into geohash cells. Resolution is the
// number of characters (1-12); the parent of a cell is its prefix.
type GeohashIndexer struct{}

// Name returns "geohash"
func (GeohashIndexer) Name() string { return "geohash" }

// MaxResolution returns the longest supported geohash
func (GeohashIndexer) MaxResolution() int { return maxGeohashPrecision }

// Cell encodes (lat, lon) with resolution characters
func (g GeohashIndexer) Cell(lat, lon float64, resolution int) (Cell, error) {
	if err := ValidateCoordinate(lat, lon); err != nil {
		return "", err
	}
	if err := g.checkPrecision(resolution); err != nil {
		return "", err
	}
	return Cell(EncodeGeohash(lat, lon, resolution)), nil
}

// Parent truncates cell to resolution characters
func (g GeohashIndexer) Parent(cell Cell, resolution int) (Cell, error) {
	if err := validGeohash(cell); err != nil {
		return "", err
	}
	if err := g.checkPrecision(resolution); err != nil {
		return "", err
	}
	if resolution > len(cell) {
		return "", fmt.Errorf("%w: parent precision %d finer than cell precision %d",
			ErrInvalidResolution, resolution, len(cell))
	}
	return cell[:resolution], nil
}

// Resolution returns the geohash length
func (GeohashIndexer) Resolution(cell Cell) (int, error) {
	if err := validGeohash(cell); err != nil {
		return 0, err
	}
	return len(cell), nil
}

// Center decodes the cell centre
func (GeohashIndexer) Center(cell Cell) (float64, float64, error) {
	if err := validGeohash(cell); err != nil {
		return 0, 0, err
	}
	lat, lon := DecodeGeohash(string(cell))
	return lat, lon, nil
}

func (g GeohashIndexer) checkPrecision(precision int) error {
	if precision < 1 {
		return fmt.Errorf("%w: geohash precision %d < 1", ErrInvalidResolution, precision)
	}
	return checkResolution(g, precision)
}

func validGeohash(cell Cell) error {
	if len(cell) == 0 || len(cell) > maxGeohashPrecision {
		return fmt.Errorf("%w: geohash %q", ErrInvalidCell, cell)
	}
	for i := 0; i < len(cell); i++ {
		if indexOfBase32(cell[i]) == -1 {
			return fmt.Errorf("%w: geohash %q", ErrInvalidCell, cell)
		}
	}
	return nil
}

// EncodeGeohash encodes latitude and longitude into a geohash string
// precision: number of characters in the geohash (1-12)
func EncodeGeohash(lat, lon float64, precision int) string {
	if precision < 1 {
		precision = 1
	}
	if precision > maxGeohashPrecision {
		precision = maxGeohashPrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lonRange := [2]float64{-180.0, 180.0}

	geohash := make([]byte, 0, precision)
	bits := 0
	bit := 0
	ch := 0

	for len(geohash) < precision {
		if bit%2 == 0 {
			// Longitude
			mid := (lonRange[0] + lonRange[1]) / 2
			if lon > mid {
				ch |= (1 << (4 - bits))
				lonRange[0] = mid
			} else {
				lonRange[1] = mid
			}
		} else {
			// Latitude
			mid := (latRange[0] + latRange[1]) / 2
			if lat > mid {
				ch |= (1 << (4 - bits))
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		bits++
		if bits == 5 {
			geohash = append(geohash, base32[ch])
			bits = 0
			ch = 0
		}
		bit++
	}

	return string(geohash)
}

// DecodeGeohash decodes a geohash string into latitude and longitude
// Returns center point of the geohash cell
func DecodeGeohash(geohash string) (lat, lon float64) {
	latRange := [2]float64{-90.0, 90.0}
	lonRange := [2]float64{-180.0, 180.0}

	isLon := true
	for i := 0; i < len(geohash); i++ {
		idx := indexOfBase32(geohash[i])
		if idx == -1 {
			continue
		}

		for mask := 16; mask > 0; mask >>= 1 {
			if isLon {
				mid := (lonRange[0] + lonRange[1]) / 2
				if idx&mask != 0 {
					lonRange[0] = mid
				} else {
					lonRange[1] = mid
				}
			} else {
				mid := (latRange[0] + latRange[1]) / 2
				if idx&mask != 0 {
					latRange[0] = mid
				} else {
					latRange[1] = mid
				}
			}
			isLon = !isLon
		}
	}

	lat = (latRange[0] + latRange[1]) / 2
	lon = (lonRange[0] + lonRange[1]) / 2
	return
}

func indexOfBase32(ch byte) int {
	for i := 0; i < len(base32); i++ {
		if base32[i] == ch {
			return i
		}
	}
	return -1
}
