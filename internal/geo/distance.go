package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// Point builds an orb point from lat/lon (orb stores lon first).
func Point(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	return orbgeo.DistanceHaversine(Point(lat1, lon1), Point(lat2, lon2)) / 1000
}

// BoundAround returns the box that contains a circle of radiusKm around the point.
func BoundAround(lat, lon, radiusKm float64) orb.Bound {
	return orbgeo.NewBoundAroundPoint(Point(lat, lon), radiusKm*1000)
}

// DistanceToBoundKm is zero for points inside the bound, otherwise the
// distance to the nearest edge.
func DistanceToBoundKm(lat, lon float64, b orb.Bound) float64 {
	p := Point(lat, lon)
	if b.Contains(p) {
		return 0
	}
	nearest := orb.Point{
		math.Max(b.Min.Lon(), math.Min(lon, b.Max.Lon())),
		math.Max(b.Min.Lat(), math.Min(lat, b.Max.Lat())),
	}
	return orbgeo.DistanceHaversine(p, nearest) / 1000
}

// OverlapFraction returns the share of b's area covered by a, in [0, 1].
// Areas are planar in degrees; both boxes are small enough that the
// cos(lat) scaling cancels out of the ratio.
func OverlapFraction(a, b orb.Bound) float64 {
	area := boxArea(b)
	if area <= 0 {
		if a.Contains(b.Center()) {
			return 1
		}
		return 0
	}

	inter := orb.Bound{
		Min: orb.Point{math.Max(a.Min.Lon(), b.Min.Lon()), math.Max(a.Min.Lat(), b.Min.Lat())},
		Max: orb.Point{math.Min(a.Max.Lon(), b.Max.Lon()), math.Min(a.Max.Lat(), b.Max.Lat())},
	}
	if inter.Min.Lon() >= inter.Max.Lon() || inter.Min.Lat() >= inter.Max.Lat() {
		return 0
	}
	return math.Min(1, boxArea(inter)/area)
}

func boxArea(b orb.Bound) float64 {
	w := b.Max.Lon() - b.Min.Lon()
	h := b.Max.Lat() - b.Min.Lat()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}
