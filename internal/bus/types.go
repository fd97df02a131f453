package bus

import (
	"strings"
	"time"

	"bus-tracker/internal/geo"
)

type Mode string

const (
	ModeBounce Mode = "bounce"
	ModeLoop   Mode = "loop"
)

// Normalize maps anything other than loop to bounce.
func (m Mode) Normalize() Mode {
	if m == ModeLoop {
		return ModeLoop
	}
	return ModeBounce
}

type Stop struct {
	Name                 string    `json:"name" yaml:"name" validate:"required"`
	Position             geo.Point `json:"position" yaml:"position"`
	PlannedOffsetMinutes int       `json:"plannedOffsetMinutes" yaml:"plannedOffsetMinutes" validate:"gte=0"`
}

// SameStop compares stop names case-insensitively.
func SameStop(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

type Bus struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DriverName  string      `json:"driverName,omitempty"`
	DriverPhone string      `json:"driverPhone,omitempty"`
	StartTime   string      `json:"startTime,omitempty"` // HH:MM, evening departure
	Sim         *Descriptor `json:"sim,omitempty"`
	Position    *geo.Point  `json:"position,omitempty"` // last position written by the driver side
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Sharing reports whether the driver is sharing live location. It is
// derived from the descriptor so the two can never disagree.
func (b Bus) Sharing() bool { return b.Sim != nil && b.Sim.Active }

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Name        *string
	DriverName  *string
	DriverPhone *string
	StartTime   *string
	Sim         *Descriptor
	Position    *geo.Point

	// IfAnchor makes the write conditional: it only applies while the stored
	// descriptor is active and still anchored at this instant.
	IfAnchor *time.Time
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.DriverName == nil && p.DriverPhone == nil &&
		p.StartTime == nil && p.Sim == nil && p.Position == nil
}

// Apply merges p into b and returns the result.
func (p Patch) Apply(b Bus) Bus {
	if p.Name != nil {
		b.Name = *p.Name
	}
	if p.DriverName != nil {
		b.DriverName = *p.DriverName
	}
	if p.DriverPhone != nil {
		b.DriverPhone = *p.DriverPhone
	}
	if p.StartTime != nil {
		b.StartTime = *p.StartTime
	}
	if p.Sim != nil {
		d := *p.Sim
		b.Sim = &d
	}
	if p.Position != nil {
		pos := *p.Position
		b.Position = &pos
	}
	return b
}
