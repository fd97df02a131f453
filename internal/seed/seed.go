// Package seed loads a fleet description from YAML and writes the buses it
// names into the store.
package seed

import (
	"context"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/validate"
)

type Fleet struct {
	Buses []BusSeed `yaml:"buses" validate:"dive"`
}

type BusSeed struct {
	ID          string     `yaml:"id" validate:"required"`
	Name        string     `yaml:"name" validate:"required"`
	DriverName  string     `yaml:"driverName"`
	DriverPhone string     `yaml:"driverPhone" validate:"omitempty,max=20"`
	StartTime   string     `yaml:"startTime" validate:"omitempty,clock"`
	Stops       []bus.Stop `yaml:"stops" validate:"stopnames,dive"`
}

// Parse decodes and validates a fleet file.
func Parse(data []byte) (*Fleet, error) {
	var f Fleet
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fleet: %w", err)
	}
	if err := validate.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid fleet: %w", err)
	}
	seen := make(map[string]bool, len(f.Buses))
	for _, b := range f.Buses {
		if seen[b.ID] {
			return nil, fmt.Errorf("invalid fleet: duplicate bus id %q", b.ID)
		}
		seen[b.ID] = true
	}
	return &f, nil
}

func Load(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Store is what seeding needs from the bus store.
type Store interface {
	Bus(id string) (bus.Bus, bool)
	UpdateBus(ctx context.Context, id string, p bus.Patch) error
	SetStops(ctx context.Context, id string, stops []bus.Stop) error
}

// Apply writes every bus of f that the store does not know yet. Existing
// buses are left alone so edits made since the last start survive. It
// returns the number of buses written.
func Apply(ctx context.Context, s Store, f *Fleet) (int, error) {
	n := 0
	for _, b := range f.Buses {
		if _, ok := s.Bus(b.ID); ok {
			continue
		}
		p := bus.Patch{Name: &b.Name, DriverName: &b.DriverName, DriverPhone: &b.DriverPhone}
		if b.StartTime != "" {
			p.StartTime = &b.StartTime
		}
		if err := s.UpdateBus(ctx, b.ID, p); err != nil {
			return n, fmt.Errorf("seed bus %s: %w", b.ID, err)
		}
		if err := s.SetStops(ctx, b.ID, b.Stops); err != nil {
			return n, fmt.Errorf("seed stops for %s: %w", b.ID, err)
		}
		log.Printf("seeded bus %s (%d stops)", b.ID, len(b.Stops))
		n++
	}
	return n, nil
}
