package schedule

import (
	"bus-tracker/internal/bus"
	"bus-tracker/internal/geo"
)

// ArrivalRadiusKm is how close the bus must be to count as at a stop.
const ArrivalRadiusKm = 0.08

// Progress locates the bus among the ordered stops.
type Progress struct {
	ArrivedIdx   int     `json:"arrivedIdx"`
	NextIdx      int     `json:"nextIdx"`
	ArrivedName  string  `json:"arrivedName"`
	NextName     string  `json:"nextName"`
	AtStop       bool    `json:"atStop"`
	DistToNextKm float64 `json:"distToNextKm"`
}

// Locate finds the nearest stop. The bus only counts as arrived there when
// within ArrivalRadiusKm; otherwise it is still on its way from the stop
// before.
func Locate(pos geo.Point, ordered []bus.Stop) Progress {
	if len(ordered) == 0 {
		return Progress{}
	}
	pts := make([]geo.Point, len(ordered))
	for i, s := range ordered {
		pts[i] = s.Position
	}
	nearest, km := geo.Nearest(pos, pts)

	p := Progress{ArrivedIdx: nearest, AtStop: km <= ArrivalRadiusKm}
	if !p.AtStop {
		p.ArrivedIdx = max(0, nearest-1)
	}
	p.NextIdx = min(p.ArrivedIdx+1, len(ordered)-1)
	p.ArrivedName = ordered[p.ArrivedIdx].Name
	p.NextName = ordered[p.NextIdx].Name
	p.DistToNextKm = geo.HaversineKm(pos, ordered[p.NextIdx].Position)
	return p
}
