// Package bus defines the persisted records of the tracker: buses, their
// stops, and the motion descriptor that lets every observer derive the
// same position from wall-clock time alone.
package bus

import (
	"time"
)

// DefaultSpeedKmph is assumed when a descriptor carries no usable speed.
const DefaultSpeedKmph = 30.0

// Descriptor is the persisted motion state of a bus.
//
// OffsetKm is the arc length travelled as of LastUpdateAt. While Active the
// current arc length is OffsetKm + Dir*SpeedKmph*elapsed; while inactive the
// offset is a frozen snapshot. Every change of speed, direction or activity
// must go through one of the methods below so the anchor is folded up to
// "now" in the same write.
type Descriptor struct {
	Active       bool      `json:"active"`
	SpeedKmph    float64   `json:"speedKmph"`
	Dir          int       `json:"dir"`
	Mode         Mode      `json:"mode"`
	OffsetKm     float64   `json:"offsetKm"`
	LastUpdateAt time.Time `json:"lastUpdateAt"`
}

// Speed returns the configured speed, or DefaultSpeedKmph when unset.
func (d Descriptor) Speed() float64 {
	if d.SpeedKmph > 0 {
		return d.SpeedKmph
	}
	return DefaultSpeedKmph
}

// Direction returns -1 or 1.
func (d Descriptor) Direction() int {
	if d.Dir == -1 {
		return -1
	}
	return 1
}

// DistanceAt returns the arc length at now. Inactive descriptors return the
// frozen offset; time before LastUpdateAt counts as zero elapsed.
func (d Descriptor) DistanceAt(now time.Time) float64 {
	if !d.Active || d.LastUpdateAt.IsZero() {
		return d.OffsetKm
	}
	elapsed := now.Sub(d.LastUpdateAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return d.OffsetKm + float64(d.Direction())*d.Speed()*elapsed.Hours()
}

// Fold collapses elapsed travel into the anchor.
func (d Descriptor) Fold(now time.Time) Descriptor {
	d.OffsetKm = d.DistanceAt(now)
	d.LastUpdateAt = now
	d.Dir = d.Direction()
	d.Mode = d.Mode.Normalize()
	return d
}

// Resume starts motion from the frozen offset.
func (d Descriptor) Resume(now time.Time) Descriptor {
	d = d.Fold(now)
	d.Active = true
	if d.SpeedKmph <= 0 {
		d.SpeedKmph = DefaultSpeedKmph
	}
	return d
}

// Pause freezes the position reached at now.
func (d Descriptor) Pause(now time.Time) Descriptor {
	d = d.Fold(now)
	d.Active = false
	return d
}

// WithSpeed changes the speed from now on.
func (d Descriptor) WithSpeed(now time.Time, kmph float64) Descriptor {
	d = d.Fold(now)
	if kmph > 0 {
		d.SpeedKmph = kmph
	}
	return d
}

// Reverse flips the direction of travel from now on.
func (d Descriptor) Reverse(now time.Time) Descriptor {
	d = d.Fold(now)
	d.Dir = -d.Dir
	return d
}
