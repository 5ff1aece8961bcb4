// Package geo holds the spatial helpers shared by the store, the cache and
// the aligner: geohash bucketing, distances and footprint overlap.
package geo

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
)

// Encode returns the geohash of the point at the given precision. The north
// pole and the antimeridian fold into the last and first cells.
func Encode(lat, lon float64, precision int) string {
	lat = math.Min(clampLat(lat), math.Nextafter(90, 0))
	return geohash.EncodeWithPrecision(lat, wrapLon(lon), uint(precision))
}

// Decode returns the cell covered by the geohash.
func Decode(hash string) (orb.Bound, error) {
	if err := geohash.Validate(hash); err != nil {
		return orb.Bound{}, fmt.Errorf("decode geohash %q: %w", hash, err)
	}
	box := geohash.BoundingBox(hash)
	return orb.Bound{
		Min: orb.Point{box.MinLng, box.MinLat},
		Max: orb.Point{box.MaxLng, box.MaxLat},
	}, nil
}

// Center returns the lat/lon of the centre of the geohash cell.
func Center(hash string) (lat, lon float64, err error) {
	if err := geohash.Validate(hash); err != nil {
		return 0, 0, fmt.Errorf("decode geohash %q: %w", hash, err)
	}
	lat, lon = geohash.DecodeCenter(hash)
	return lat, lon, nil
}

// CellSize returns the cell height and width in degrees for a precision.
func CellSize(precision int) (latDeg, lonDeg float64) {
	total := 5 * precision
	lonBits := (total + 1) / 2
	latBits := total / 2
	return 180 / math.Pow(2, float64(latBits)), 360 / math.Pow(2, float64(lonBits))
}

// Cover returns every geohash cell at the precision that intersects the bound.
func Cover(b orb.Bound, precision int) []string {
	dLat, dLon := CellSize(precision)

	seen := make(map[string]struct{})
	var out []string
	add := func(lat, lon float64) {
		h := Encode(clampLat(lat), wrapLon(lon), precision)
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	// Step by half a cell so no intersecting cell is skipped.
	for lat := b.Min.Lat(); lat < b.Max.Lat()+dLat/2; lat += dLat / 2 {
		for lon := b.Min.Lon(); lon < b.Max.Lon()+dLon/2; lon += dLon / 2 {
			add(math.Min(lat, b.Max.Lat()), math.Min(lon, b.Max.Lon()))
		}
	}
	return out
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

func wrapLon(lon float64) float64 {
	for lon < -180 {
		lon += 360
	}
	for lon >= 180 {
		lon -= 360
	}
	return lon
}
