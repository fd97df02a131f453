// Package store is the data layer the tracker reads through. Repository is
// the persistent side, ChangeFeed tells every process that a bus changed,
// and Cache keeps synchronous snapshots that the computations consume.
package store

import (
	"context"
	"errors"

	"bus-tracker/internal/bus"
)

var (
	ErrNotFound = errors.New("bus not found")
	// ErrConflict is returned when a conditional write finds the
	// descriptor changed since it was read.
	ErrConflict = errors.New("descriptor changed")
)

// Repository persists buses and their stops. UpdateBus merges the patch
// into the stored record, creating the bus if it does not exist yet. A
// patch with IfAnchor set fails with ErrConflict instead when the stored
// descriptor no longer matches.
type Repository interface {
	ListBuses(ctx context.Context) ([]bus.Bus, error)
	Bus(ctx context.Context, id string) (bus.Bus, error)
	Stops(ctx context.Context, id string) ([]bus.Stop, error)
	UpdateBus(ctx context.Context, id string, p bus.Patch) error
	SetStops(ctx context.Context, id string, stops []bus.Stop) error
}

// ChangeFeed broadcasts that a bus record or its stops changed.
type ChangeFeed interface {
	NotifyChange(busID string) error
	SubscribeChanges(fn func(busID string)) (unsubscribe func(), err error)
}
