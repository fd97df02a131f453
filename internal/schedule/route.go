// Package schedule derives the route a bus is running right now from the
// time of day: outbound from the origin in the evening, inbound towards it
// in the morning, each stop carrying its planned minutes after departure.
package schedule

import (
	"time"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/geo"
)

type Phase string

const (
	Morning Phase = "morning"
	Evening Phase = "evening"
)

const (
	morningFrom = 5 * 60
	morningTo   = 10*60 + 30

	// fallbackTerminalOffset is used when the terminal stop has no planned offset.
	fallbackTerminalOffset = 81
)

// ResolvePhase returns Morning for local times 05:00 through 10:30 inclusive.
func ResolvePhase(now time.Time) Phase {
	m := minutesOfDay(now)
	if m >= morningFrom && m <= morningTo {
		return Morning
	}
	return Evening
}

// Options carries the fixed, per-deployment parts of a route.
type Options struct {
	Origin              bus.Stop // campus; its PlannedOffsetMinutes is ignored
	MorningStart        string   // HH:MM
	DefaultEveningStart string   // HH:MM, used when the bus has none
}

func DefaultOptions() Options {
	return Options{
		Origin: bus.Stop{
			Name:     "Vignan University",
			Position: geo.Point{Lat: 16.2315471, Lon: 80.5526116},
		},
		MorningStart:        "06:30",
		DefaultEveningStart: "16:30",
	}
}

// Route is the derived, never persisted view of a bus's trip for the
// current time of day.
type Route struct {
	Phase        Phase      `json:"phase"`
	StartTime    string     `json:"startTime"`
	StartPlace   string     `json:"startPlace"`
	OrderedStops []bus.Stop `json:"orderedStops"`
	Timeline     []bus.Stop `json:"timeline"`
}

// Points returns the stop positions in travel order.
func (r Route) Points() []geo.Point {
	pts := make([]geo.Point, len(r.OrderedStops))
	for i, s := range r.OrderedStops {
		pts[i] = s.Position
	}
	return pts
}

// StartPlanned returns the planned departure on now's day. An unparsable
// start time falls back to fallback.
func (r Route) StartPlanned(now time.Time, fallback string) time.Time {
	if t, err := At(now, r.StartTime); err == nil {
		return t
	}
	t, _ := At(now, fallback)
	return t
}

// BuildRouteForNow orders stops for the phase at now.
//
// Evening runs origin -> stops as stored, offsets as stored. Morning runs
// the other way, starting at the terminal stop: each stop's offset becomes
// terminalOffset - offset and the origin is reached at terminalOffset.
func BuildRouteForNow(b bus.Bus, now time.Time, stops []bus.Stop, opts Options) Route {
	origin := opts.Origin
	origin.PlannedOffsetMinutes = 0

	if len(stops) == 0 {
		start := b.StartTime
		if start == "" {
			start = opts.DefaultEveningStart
		}
		return Route{
			Phase:        ResolvePhase(now),
			StartTime:    start,
			StartPlace:   origin.Name,
			OrderedStops: []bus.Stop{origin},
			Timeline:     []bus.Stop{origin},
		}
	}

	if ResolvePhase(now) == Morning {
		last := stops[len(stops)-1]
		lastOffset := last.PlannedOffsetMinutes
		if lastOffset <= 0 {
			lastOffset = fallbackTerminalOffset
		}
		timeline := make([]bus.Stop, 0, len(stops)+1)
		for i := len(stops) - 1; i >= 0; i-- {
			s := stops[i]
			s.PlannedOffsetMinutes = max(0, lastOffset-s.PlannedOffsetMinutes)
			if i == len(stops)-1 {
				s.PlannedOffsetMinutes = 0
			}
			timeline = append(timeline, s)
		}
		arrival := origin
		arrival.PlannedOffsetMinutes = lastOffset
		timeline = append(timeline, arrival)
		return Route{
			Phase:        Morning,
			StartTime:    opts.MorningStart,
			StartPlace:   last.Name,
			OrderedStops: timeline,
			Timeline:     timeline,
		}
	}

	start := b.StartTime
	if start == "" {
		start = opts.DefaultEveningStart
	}
	timeline := make([]bus.Stop, 0, len(stops)+1)
	timeline = append(timeline, origin)
	timeline = append(timeline, stops...)
	return Route{
		Phase:        Evening,
		StartTime:    start,
		StartPlace:   origin.Name,
		OrderedStops: timeline,
		Timeline:     timeline,
	}
}
