package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/geo"
)

const kmPerDegree = 6371.0 * 3.141592653589793 / 180

// east returns a point on the equator km kilometres east of 0,0.
func east(km float64) geo.Point { return geo.Point{Lat: 0, Lon: km / kmPerDegree} }

var start = time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

func TestRecovery(t *testing.T) {
	assert.InDelta(t, 1.0, Recovery(0), 1e-9)
	assert.InDelta(t, 0.82, Recovery(1), 1e-9)
	assert.InDelta(t, 0.46, Recovery(3), 1e-9)
	assert.InDelta(t, 0.4, Recovery(4), 1e-9)
	assert.InDelta(t, 0.4, Recovery(20), 1e-9)
}

func TestBuildRows_OnSchedule(t *testing.T) {
	x := bus.Stop{Name: "X", Position: east(0), PlannedOffsetMinutes: 10}
	y := bus.Stop{Name: "Y", Position: east(10), PlannedOffsetMinutes: 30}

	rows := BuildRows(Input{
		Position:     x.Position,
		SpeedKmph:    30,
		Timeline:     []bus.Stop{x, y},
		StartPlanned: start,
		Now:          start.Add(10 * time.Minute),
		Live:         true,
	})
	require.Len(t, rows, 2)

	assert.Equal(t, 0, rows[0].TravelMinutes)
	assert.Equal(t, 0, rows[0].DelayMinutes)
	assert.Equal(t, start.Add(10*time.Minute), rows[0].ETA)

	assert.Equal(t, 20, rows[1].TravelMinutes)
	assert.InDelta(t, 0, rows[1].DelayMinutes, 1)
	assert.Equal(t, start.Add(30*time.Minute), rows[1].Planned)
	assert.WithinDuration(t, rows[1].Planned, rows[1].ETA, time.Minute)
	assert.InDelta(t, 10, rows[1].LegKm, 1e-6)
}

func TestBuildRows_LongLegOnSchedule(t *testing.T) {
	// 15 km at 30 km/h is a 30 minute leg
	x := bus.Stop{Name: "X", Position: east(0), PlannedOffsetMinutes: 10}
	y := bus.Stop{Name: "Y", Position: east(15), PlannedOffsetMinutes: 40}
	rows := BuildRows(Input{
		Position: x.Position, SpeedKmph: 30, Timeline: []bus.Stop{x, y},
		StartPlanned: start, Now: start.Add(10 * time.Minute), Live: true,
	})
	assert.Equal(t, 30, rows[1].TravelMinutes)
	assert.Equal(t, 0, rows[1].DelayMinutes)
}

func TestBuildRows_DelayClamped(t *testing.T) {
	a := bus.Stop{Name: "A", Position: east(0), PlannedOffsetMinutes: 0}
	b := bus.Stop{Name: "B", Position: east(30), PlannedOffsetMinutes: 20}

	rows := BuildRows(Input{
		Position: a.Position, SpeedKmph: 30, Timeline: []bus.Stop{a, b},
		StartPlanned: start, Now: start, Live: true,
	})
	// 60 minutes of travel against 20 planned: raw delay 40
	assert.Equal(t, 60, rows[1].TravelMinutes)
	assert.Equal(t, MaxDelayMinutes, rows[1].DelayMinutes)
	assert.Equal(t, start.Add(35*time.Minute), rows[1].ETA)
}

func TestBuildRows_EarlyClamped(t *testing.T) {
	a := bus.Stop{Name: "A", Position: east(0), PlannedOffsetMinutes: 60}
	rows := BuildRows(Input{
		Position: a.Position, SpeedKmph: 30, Timeline: []bus.Stop{a},
		StartPlanned: start, Now: start, Live: true,
	})
	assert.Equal(t, -MaxDelayMinutes, rows[0].DelayMinutes)
}

func TestBuildRows_DelayIsDampedAndPropagated(t *testing.T) {
	// 10 minutes late leaving, every leg exactly on plan afterwards
	stops := []bus.Stop{
		{Name: "S0", Position: east(0), PlannedOffsetMinutes: 0},
		{Name: "S1", Position: east(10), PlannedOffsetMinutes: 20},
		{Name: "S2", Position: east(20), PlannedOffsetMinutes: 40},
	}
	rows := BuildRows(Input{
		Position: stops[0].Position, SpeedKmph: 30, Timeline: stops,
		StartPlanned: start, Now: start.Add(10 * time.Minute), Live: true,
	})
	assert.Equal(t, []int{10, 8, 5}, []int{rows[0].DelayMinutes, rows[1].DelayMinutes, rows[2].DelayMinutes})
	for _, r := range rows {
		assert.Equal(t, r.Planned.Add(time.Duration(r.DelayMinutes)*time.Minute), r.ETA)
	}
}

func TestBuildRows_SpeedFloor(t *testing.T) {
	s := bus.Stop{Name: "S", Position: east(1)}
	for _, speed := range []float64{0, -20, 0.2} {
		rows := BuildRows(Input{
			Position: east(0), SpeedKmph: speed, Timeline: []bus.Stop{s},
			StartPlanned: start, Now: start, Live: true,
		})
		require.Len(t, rows, 1)
		assert.Equal(t, 60, rows[0].TravelMinutes)
		assert.Equal(t, MaxDelayMinutes, rows[0].DelayMinutes)
	}
}

func TestBuildRows_NotLive(t *testing.T) {
	stops := []bus.Stop{
		{Name: "S0", Position: east(0), PlannedOffsetMinutes: 0},
		{Name: "S1", Position: east(10), PlannedOffsetMinutes: 25},
	}
	rows := BuildRows(Input{
		Position: east(5), SpeedKmph: 30, Timeline: stops,
		StartPlanned: start, Now: start.Add(3 * time.Hour), Live: false,
	})
	require.Len(t, rows, 2)
	for i, r := range rows {
		assert.False(t, r.Available)
		assert.True(t, r.ETA.IsZero())
		assert.Zero(t, r.DelayMinutes)
		assert.Equal(t, start.Add(time.Duration(stops[i].PlannedOffsetMinutes)*time.Minute), r.Planned)
	}
}

func TestBuildRows_Empty(t *testing.T) {
	rows := BuildRows(Input{SpeedKmph: 30, Live: true})
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestFormatMinutes(t *testing.T) {
	tests := map[float64]string{
		0:    "0 mins",
		1:    "1 min",
		59.6: "1 hr",
		80:   "1 hr 20 mins",
		121:  "2 hrs 1 min",
		-5:   "0 mins",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatMinutes(in), "input %v", in)
	}
}
