package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"bus-tracker/internal/bus"
)

// CacheMetrics is the subset of metrics the cache reports.
type CacheMetrics interface {
	StoreErrorInc(op string)
	CacheRefreshInc()
}

// Cache holds the best-known snapshot of every bus and its stops.
//
// Reads never touch the repository. Snapshots are refreshed when the change
// feed reports a bus, on a fixed interval, and after writes made through the
// cache. A failed refresh keeps the previous snapshot.
type Cache struct {
	repo            Repository
	feed            ChangeFeed
	refreshInterval time.Duration
	metrics         CacheMetrics

	mu       sync.RWMutex
	buses    map[string]bus.Bus
	stops    map[string][]bus.Stop
	nextSub  int
	busSubs  map[string]map[int]func(bus.Bus)
	stopSubs map[string]map[int]func([]bus.Stop)
	listSubs map[int]func([]bus.Bus)

	unsubscribeFeed func()
	refreshCancel   context.CancelFunc
	refreshWG       sync.WaitGroup
}

// NewCache builds an empty cache. feed and metrics may be nil.
func NewCache(repo Repository, feed ChangeFeed, refreshInterval time.Duration, metrics CacheMetrics) *Cache {
	return &Cache{
		repo:            repo,
		feed:            feed,
		refreshInterval: refreshInterval,
		metrics:         metrics,
		buses:           make(map[string]bus.Bus),
		stops:           make(map[string][]bus.Stop),
		busSubs:         make(map[string]map[int]func(bus.Bus)),
		stopSubs:        make(map[string]map[int]func([]bus.Stop)),
		listSubs:        make(map[int]func([]bus.Bus)),
	}
}

// Start loads every bus, subscribes to the change feed and launches the
// periodic refresher. The initial load failing is not fatal: the cache
// starts empty and fills on the next refresh.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.RefreshAll(ctx); err != nil {
		log.Printf("initial cache load: %v", err)
	}
	if c.feed != nil {
		unsub, err := c.feed.SubscribeChanges(func(id string) {
			if err := c.Refresh(ctx, id); err != nil {
				log.Printf("refresh bus %s after change: %v", id, err)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe to changes: %w", err)
		}
		c.unsubscribeFeed = unsub
	}
	if c.refreshInterval <= 0 {
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	c.refreshCancel = cancel
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if err := c.RefreshAll(rctx); err != nil {
					log.Printf("cache refresh error: %v", err)
				}
			}
		}
	}()
	return nil
}

func (c *Cache) Stop() {
	if c.unsubscribeFeed != nil {
		c.unsubscribeFeed()
	}
	if c.refreshCancel != nil {
		c.refreshCancel()
	}
	c.refreshWG.Wait()
}

func (c *Cache) storeErr(op string) {
	if c.metrics != nil {
		c.metrics.StoreErrorInc(op)
	}
}

// RefreshAll replaces every snapshot from the repository.
func (c *Cache) RefreshAll(ctx context.Context) error {
	list, err := c.repo.ListBuses(ctx)
	if err != nil {
		c.storeErr("list")
		return fmt.Errorf("list buses: %w", err)
	}
	stops := make(map[string][]bus.Stop, len(list))
	for _, b := range list {
		s, err := c.repo.Stops(ctx, b.ID)
		if err != nil {
			c.storeErr("stops")
			return fmt.Errorf("stops for %s: %w", b.ID, err)
		}
		stops[b.ID] = s
	}

	c.mu.Lock()
	c.buses = make(map[string]bus.Bus, len(list))
	for _, b := range list {
		c.buses[b.ID] = b
	}
	c.stops = stops
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.CacheRefreshInc()
	}

	for _, b := range list {
		c.notify(b.ID)
	}
	c.notifyList()
	return nil
}

// Refresh reloads one bus. A bus that no longer exists is dropped.
func (c *Cache) Refresh(ctx context.Context, id string) error {
	b, err := c.repo.Bus(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c.mu.Lock()
		delete(c.buses, id)
		delete(c.stops, id)
		c.mu.Unlock()
		c.notifyList()
		return nil
	}
	if err != nil {
		c.storeErr("bus")
		return fmt.Errorf("load bus %s: %w", id, err)
	}
	stops, err := c.repo.Stops(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.storeErr("stops")
		return fmt.Errorf("load stops %s: %w", id, err)
	}

	c.mu.Lock()
	c.buses[id] = b
	c.stops[id] = stops
	c.mu.Unlock()

	c.notify(id)
	c.notifyList()
	return nil
}

// Bus returns the cached snapshot of a bus.
func (c *Cache) Bus(id string) (bus.Bus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buses[id]
	return cloneBus(b), ok
}

// Stops returns the cached stop list of a bus, possibly empty.
func (c *Cache) Stops(id string) []bus.Stop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.stops[id])
}

// Buses returns all cached buses ordered by id.
func (c *Cache) Buses() []bus.Bus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.busesLocked()
}

func (c *Cache) busesLocked() []bus.Bus {
	out := make([]bus.Bus, 0, len(c.buses))
	for _, b := range c.buses {
		out = append(out, cloneBus(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnBus calls fn with the current snapshot (if any) and after every update
// of bus id.
func (c *Cache) OnBus(id string, fn func(bus.Bus)) (unsubscribe func()) {
	c.mu.Lock()
	sid := c.nextSub
	c.nextSub++
	if c.busSubs[id] == nil {
		c.busSubs[id] = make(map[int]func(bus.Bus))
	}
	c.busSubs[id][sid] = fn
	b, ok := c.buses[id]
	c.mu.Unlock()

	if ok {
		fn(cloneBus(b))
	}
	return func() {
		c.mu.Lock()
		delete(c.busSubs[id], sid)
		c.mu.Unlock()
	}
}

// OnStops calls fn with the current stop list and after every update of bus id.
func (c *Cache) OnStops(id string, fn func([]bus.Stop)) (unsubscribe func()) {
	c.mu.Lock()
	sid := c.nextSub
	c.nextSub++
	if c.stopSubs[id] == nil {
		c.stopSubs[id] = make(map[int]func([]bus.Stop))
	}
	c.stopSubs[id][sid] = fn
	stops := slices.Clone(c.stops[id])
	c.mu.Unlock()

	fn(stops)
	return func() {
		c.mu.Lock()
		delete(c.stopSubs[id], sid)
		c.mu.Unlock()
	}
}

// OnBuses calls fn with the full list now and after every change.
func (c *Cache) OnBuses(fn func([]bus.Bus)) (unsubscribe func()) {
	c.mu.Lock()
	sid := c.nextSub
	c.nextSub++
	c.listSubs[sid] = fn
	list := c.busesLocked()
	c.mu.Unlock()

	fn(list)
	return func() {
		c.mu.Lock()
		delete(c.listSubs, sid)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(id string) {
	c.mu.RLock()
	b, ok := c.buses[id]
	stops := c.stops[id]
	busFns := make([]func(bus.Bus), 0, len(c.busSubs[id]))
	for _, fn := range c.busSubs[id] {
		busFns = append(busFns, fn)
	}
	stopFns := make([]func([]bus.Stop), 0, len(c.stopSubs[id]))
	for _, fn := range c.stopSubs[id] {
		stopFns = append(stopFns, fn)
	}
	c.mu.RUnlock()

	if ok {
		for _, fn := range busFns {
			fn(cloneBus(b))
		}
	}
	for _, fn := range stopFns {
		fn(slices.Clone(stops))
	}
}

func (c *Cache) notifyList() {
	c.mu.RLock()
	list := c.busesLocked()
	fns := make([]func([]bus.Bus), 0, len(c.listSubs))
	for _, fn := range c.listSubs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(list)
	}
}

// UpdateBus writes a partial update, refreshes the local snapshot and
// announces the change to other processes.
func (c *Cache) UpdateBus(ctx context.Context, id string, p bus.Patch) error {
	if err := c.repo.UpdateBus(ctx, id, p); err != nil {
		if errors.Is(err, ErrConflict) {
			// another writer won; pick up its version
			_ = c.Refresh(ctx, id)
			return fmt.Errorf("update bus %s: %w", id, err)
		}
		c.storeErr("update")
		return fmt.Errorf("update bus %s: %w", id, err)
	}
	return c.afterWrite(ctx, id)
}

// SetStops replaces the stop list of a bus.
func (c *Cache) SetStops(ctx context.Context, id string, stops []bus.Stop) error {
	if err := c.repo.SetStops(ctx, id, stops); err != nil {
		c.storeErr("set_stops")
		return fmt.Errorf("set stops %s: %w", id, err)
	}
	return c.afterWrite(ctx, id)
}

func (c *Cache) afterWrite(ctx context.Context, id string) error {
	if err := c.Refresh(ctx, id); err != nil {
		log.Printf("refresh after write: %v", err)
	}
	if c.feed == nil {
		return nil
	}
	if err := c.feed.NotifyChange(id); err != nil {
		log.Printf("notify change for bus %s: %v", id, err)
	}
	return nil
}
