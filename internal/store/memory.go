package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"bus-tracker/internal/bus"
)

// Memory is an in-process Repository and ChangeFeed. It backs tests and
// single-instance runs without Postgres or NATS.
type Memory struct {
	mu    sync.RWMutex
	buses map[string]bus.Bus
	stops map[string][]bus.Stop

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(string)
}

func NewMemory() *Memory {
	return &Memory{
		buses: make(map[string]bus.Bus),
		stops: make(map[string][]bus.Stop),
		subs:  make(map[int]func(string)),
	}
}

func (m *Memory) ListBuses(_ context.Context) ([]bus.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bus.Bus, 0, len(m.buses))
	for _, b := range m.buses {
		out = append(out, cloneBus(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Bus(_ context.Context, id string) (bus.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[id]
	if !ok {
		return bus.Bus{}, ErrNotFound
	}
	return cloneBus(b), nil
}

func (m *Memory) Stops(_ context.Context, id string) ([]bus.Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.buses[id]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(m.stops[id]), nil
}

func (m *Memory) UpdateBus(_ context.Context, id string, p bus.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[id]
	if p.IfAnchor != nil && (!ok || b.Sim == nil || !b.Sim.Active || !b.Sim.LastUpdateAt.Equal(*p.IfAnchor)) {
		return ErrConflict
	}
	if !ok {
		b = bus.Bus{ID: id}
	}
	b = p.Apply(b)
	b.UpdatedAt = time.Now()
	m.buses[id] = b
	return nil
}

func (m *Memory) SetStops(_ context.Context, id string, stops []bus.Stop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[id]; !ok {
		m.buses[id] = bus.Bus{ID: id, UpdatedAt: time.Now()}
	}
	m.stops[id] = slices.Clone(stops)
	return nil
}

func (m *Memory) NotifyChange(busID string) error {
	m.subMu.Lock()
	fns := make([]func(string), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(busID)
	}
	return nil
}

func (m *Memory) SubscribeChanges(fn func(busID string)) (func(), error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}, nil
}

func cloneBus(b bus.Bus) bus.Bus {
	if b.Sim != nil {
		d := *b.Sim
		b.Sim = &d
	}
	if b.Position != nil {
		p := *b.Position
		b.Position = &p
	}
	return b
}
