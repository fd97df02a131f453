// Package eta estimates arrival times at each stop of a route from the
// bus's current position and speed, reported against the planned schedule.
package eta

import (
	"math"
	"time"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/geo"
)

const (
	// MinSpeedKmph floors the speed used for travel time.
	MinSpeedKmph = 1.0
	// MaxDelayMinutes bounds how far a displayed ETA may drift from the plan.
	MaxDelayMinutes = 15

	minRecovery  = 0.4
	recoveryStep = 0.18
)

// Input is everything one evaluation of the timeline needs.
type Input struct {
	Position     geo.Point
	SpeedKmph    float64
	Timeline     []bus.Stop
	StartPlanned time.Time
	Now          time.Time
	// Live is false while the driver is not sharing; rows then carry
	// planned times only.
	Live bool
}

// Row is the schedule line for one stop. ETA, DelayMinutes and
// TravelMinutes are meaningful only when Available.
type Row struct {
	Name          string    `json:"name"`
	Position      geo.Point `json:"position"`
	Planned       time.Time `json:"planned"`
	Available     bool      `json:"available"`
	ETA           time.Time `json:"eta,omitzero"`
	DelayMinutes  int       `json:"delayMinutes"`
	TravelMinutes int       `json:"travelMinutes"`
	LegKm         float64   `json:"legKm"`
}

// Recovery is the damping applied to the delay at the index-th stop.
func Recovery(index int) float64 {
	return math.Max(minRecovery, 1-recoveryStep*float64(index))
}

func clampDelay(m int) int {
	return max(-MaxDelayMinutes, min(MaxDelayMinutes, m))
}

func round(x float64) int {
	return int(math.Round(x))
}

// BuildRows walks the timeline leg by leg from the current position. Each
// leg's travel time comes from the current speed; the resulting lateness is
// damped by Recovery, clamped to ±MaxDelayMinutes, and the displayed ETA
// becomes the starting clock for the next leg.
func BuildRows(in Input) []Row {
	if len(in.Timeline) == 0 {
		return []Row{}
	}
	speed := math.Max(MinSpeedKmph, in.SpeedKmph)

	rows := make([]Row, len(in.Timeline))
	anchor := in.Position
	clock := in.Now
	for i, s := range in.Timeline {
		planned := in.StartPlanned.Add(time.Duration(s.PlannedOffsetMinutes) * time.Minute)
		row := Row{Name: s.Name, Position: s.Position, Planned: planned}
		if !in.Live {
			rows[i] = row
			continue
		}

		legKm := geo.HaversineKm(anchor, s.Position)
		travel := round(legKm / speed * 60)
		estimated := clock.Add(time.Duration(travel) * time.Minute)
		raw := round(estimated.Sub(planned).Minutes())
		delay := clampDelay(round(float64(raw) * Recovery(i)))
		shown := planned.Add(time.Duration(delay) * time.Minute)

		row.Available = true
		row.ETA = shown
		row.DelayMinutes = delay
		row.TravelMinutes = travel
		row.LegKm = legKm
		rows[i] = row

		anchor = s.Position
		clock = shown
	}
	return rows
}
