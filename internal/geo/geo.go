// Package geo holds the coordinate type and the great-circle helpers every
// other package builds on. Distances are kilometres, angles are degrees.
package geo

import "math"

const earthRadiusKm = 6371.0

// DefaultStepKm is the spacing used when densifying a straight-line route.
const DefaultStepKm = 0.12

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" yaml:"lon" validate:"gte=-180,lte=180"`
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(math.Min(1, h)))
}

// BearingDeg returns the initial bearing from a to b in [0, 360).
func BearingDeg(a, b Point) float64 {
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Lerp interpolates linearly in degree space; t is not clamped.
func Lerp(a, b Point, t float64) Point {
	return Point{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

// Densify inserts evenly spaced points so consecutive points are at most
// stepKm apart. Every segment gets at least one step, so the original
// vertices are always kept.
func Densify(pts []Point, stepKm float64) []Point {
	if len(pts) < 2 {
		return append([]Point(nil), pts...)
	}
	if stepKm <= 0 {
		stepKm = DefaultStepKm
	}
	out := []Point{pts[0]}
	for i := 0; i < len(pts)-1; i++ {
		a, b := pts[i], pts[i+1]
		d := math.Max(0.001, HaversineKm(a, b))
		steps := int(math.Max(1, math.Ceil(d/stepKm)))
		for s := 1; s <= steps; s++ {
			out = append(out, Lerp(a, b, float64(s)/float64(steps)))
		}
	}
	return out
}

// Nearest returns the index of the point closest to p and its distance.
// It returns -1 for an empty slice.
func Nearest(p Point, pts []Point) (int, float64) {
	best, bestKm := -1, math.Inf(1)
	for i, q := range pts {
		if d := HaversineKm(p, q); d < bestKm {
			best, bestKm = i, d
		}
	}
	return best, bestKm
}
