package sim

import (
	"math"
	"sort"
	"time"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/geo"
)

// CumulativeKm returns the arc length from pts[0] to every vertex.
func CumulativeKm(pts []geo.Point) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	for i := 1; i < n; i++ {
		cum[i] = cum[i-1] + geo.HaversineKm(pts[i-1], pts[i])
	}
	return cum
}

// reflect folds d onto [0, L] so motion goes back and forth: 0..L..0..L.
func reflect(d, length float64) float64 {
	if length <= 0 {
		return 0
	}
	period := 2 * length
	mod := math.Mod(d, period)
	if mod < 0 {
		mod += period
	}
	if mod <= length {
		return mod
	}
	return period - mod
}

// wrap maps d onto [0, L) for loop mode. A positive exact multiple of L
// lands on the end vertex rather than jumping back to the start.
func wrap(d, length float64) float64 {
	if length <= 0 {
		return 0
	}
	mod := math.Mod(d, length)
	if mod < 0 {
		mod += length
	}
	if mod == 0 && d > 0 {
		return length
	}
	return mod
}

// PositionAt maps a travelled distance onto the polyline. cum must come from
// CumulativeKm(pts). It returns false only when pts is empty.
func PositionAt(pts []geo.Point, cum []float64, distanceKm float64, mode bus.Mode) (geo.Point, bool) {
	n := len(pts)
	if n == 0 {
		return geo.Point{}, false
	}
	if n == 1 || len(cum) != n {
		return pts[0], true
	}
	total := cum[n-1]
	var along float64
	if mode.Normalize() == bus.ModeLoop {
		along = wrap(distanceKm, total)
	} else {
		along = reflect(distanceKm, total)
	}

	// lo is the last vertex with cum[lo] <= along, capped so lo+1 exists
	lo := sort.Search(n, func(i int) bool { return cum[i] > along }) - 1
	if lo < 0 {
		lo = 0
	}
	if lo > n-2 {
		lo = n - 2
	}
	segLen := math.Max(1e-9, cum[lo+1]-cum[lo])
	t := math.Max(0, math.Min(1, (along-cum[lo])/segLen))
	return geo.Lerp(pts[lo], pts[lo+1], t), true
}

// Position returns where the bus described by d is at now.
//
// A nil descriptor parks the bus at the route origin. An inactive one stays
// at its frozen offset: pausing keeps the bus where it stopped instead of
// snapping it back to the origin.
func Position(d *bus.Descriptor, pts []geo.Point, now time.Time) (geo.Point, bool) {
	if len(pts) == 0 {
		return geo.Point{}, false
	}
	if d == nil {
		return pts[0], true
	}
	return PositionAt(pts, CumulativeKm(pts), d.DistanceAt(now), d.Mode)
}

// Track is a polyline with its cumulative lengths precomputed, for callers
// that evaluate the same route every tick.
type Track struct {
	Points []geo.Point
	Cum    []float64
}

func NewTrack(pts []geo.Point) *Track {
	return &Track{Points: pts, Cum: CumulativeKm(pts)}
}

// LengthKm returns the total arc length.
func (t *Track) LengthKm() float64 {
	if len(t.Cum) == 0 {
		return 0
	}
	return t.Cum[len(t.Cum)-1]
}

// At is Position without recomputing the cumulative lengths.
func (t *Track) At(d *bus.Descriptor, now time.Time) (geo.Point, bool) {
	if len(t.Points) == 0 {
		return geo.Point{}, false
	}
	if d == nil {
		return t.Points[0], true
	}
	return PositionAt(t.Points, t.Cum, d.DistanceAt(now), d.Mode)
}
