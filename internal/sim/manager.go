package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/geo"
	mmetrics "bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/schedule"
	"bus-tracker/internal/store"
)

const (
	jitterMinKmph = 10.0
	jitterMaxKmph = 60.0

	routeTimeout = 10 * time.Second
)

type busLoop struct {
	cancel context.CancelFunc
}

// trackEntry is the latest geometry for one bus and phase. Straight-line
// geometry served while the router was failing carries a retryAt.
type trackEntry struct {
	key     string
	track   *Track
	retryAt time.Time
}

// PositionPublisher receives every computed position.
type PositionPublisher interface {
	PublishPosition(msg publisher.PositionMessage) error
}

type Options struct {
	PublishInterval time.Duration
	// JitterInterval is how often a running bus picks a new speed. Zero
	// disables jitter; only one process per bus should enable it.
	JitterInterval  time.Duration
	RefreshInterval time.Duration
	Schedule        schedule.Options
	Location        *time.Location
	// RouteRetry is how long degraded geometry is served before the
	// router is asked again.
	RouteRetry      time.Duration
	Now             func() time.Time
	Rand            func() float64
}

func (o Options) withDefaults() Options {
	if o.PublishInterval <= 0 {
		o.PublishInterval = time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.RouteRetry <= 0 {
		o.RouteRetry = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Schedule.MorningStart == "" && o.Schedule.DefaultEveningStart == "" {
		o.Schedule = schedule.DefaultOptions()
	}
	return o
}

// Manager runs one position loop per sharing bus and answers position,
// route and schedule queries from the cached store state.
type Manager struct {
	cache   *store.Cache
	pub     PositionPublisher
	routes  routing.Provider
	metrics *mmetrics.Collector
	opts    Options

	mu      sync.Mutex
	running map[string]*busLoop
	stopped bool
	wg      sync.WaitGroup

	// writeMu guards writeLocks, which serialize descriptor writes per bus.
	writeMu    sync.Mutex
	writeLocks map[string]*sync.Mutex

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
	unsubscribe   func()

	geoMu  sync.Mutex
	tracks map[string]trackEntry // busID|phase -> latest geometry
}

// NewManager wires a manager. pub, routes and metrics may be nil.
func NewManager(cache *store.Cache, pub PositionPublisher, routes routing.Provider, metrics *mmetrics.Collector, opts Options) *Manager {
	return &Manager{
		cache:      cache,
		pub:        pub,
		routes:     routes,
		metrics:    metrics,
		opts:       opts.withDefaults(),
		running:    make(map[string]*busLoop),
		writeLocks: make(map[string]*sync.Mutex),
		tracks:     make(map[string]trackEntry),
	}
}

func (m *Manager) now() time.Time { return m.opts.Now().In(m.opts.Location) }

// Start launches loops for buses already sharing and keeps following the
// cache as sharing flips.
func (m *Manager) Start(ctx context.Context) {
	m.unsubscribe = m.cache.OnBuses(func(list []bus.Bus) { m.reconcile(ctx, list) })
	m.StartRefresher(ctx)
}

// StartRefresher periodically reconciles running loops against the cache.
// It covers sharing changes whose notification was lost.
func (m *Manager) StartRefresher(parent context.Context) {
	if m.opts.RefreshInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		ticker := time.NewTicker(m.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reconcile(ctx, m.cache.Buses())
			}
		}
	}()
}

func (m *Manager) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	m.mu.Lock()
	m.stopped = true
	for _, loop := range m.running {
		loop.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Running reports whether a loop is active for busID.
func (m *Manager) Running(busID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[busID]
	return ok
}

func (m *Manager) reconcile(ctx context.Context, list []bus.Bus) {
	if ctx.Err() != nil {
		return
	}
	sharing := make(map[string]bool, len(list))
	for _, b := range list {
		if b.Sharing() {
			sharing[b.ID] = true
			m.startBus(ctx, b.ID)
		}
	}
	m.mu.Lock()
	for id, loop := range m.running {
		if !sharing[id] {
			loop.cancel()
		}
	}
	m.mu.Unlock()
}

func (m *Manager) startBus(parent context.Context, busID string) {
	m.mu.Lock()
	if _, exists := m.running[busID]; exists || m.stopped {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	loop := &busLoop{cancel: cancel}
	m.running[busID] = loop
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.LoopsStarted.Inc()
		m.metrics.ActiveBuses.Set(float64(len(m.running)))
	}
	m.mu.Unlock()

	log.Printf("starting bus %s", busID)
	go func() {
		defer m.wg.Done()
		if err := m.runBus(ctx, busID); err != nil && ctx.Err() == nil {
			log.Printf("bus %s error: %v", busID, err)
		}
		cancel()
		m.finish(parent, busID, loop)
	}()
}

// finish drops loop from the running set unless a newer loop replaced it,
// then restarts the bus if it resumed sharing while loop was winding down.
func (m *Manager) finish(parent context.Context, busID string, loop *busLoop) {
	m.mu.Lock()
	if m.running[busID] == loop {
		delete(m.running, busID)
		if m.metrics != nil {
			m.metrics.LoopsFinished.Inc()
			m.metrics.ActiveBuses.Set(float64(len(m.running)))
		}
	}
	m.mu.Unlock()
	log.Printf("stopped bus %s", busID)

	if parent.Err() != nil {
		return
	}
	if b, ok := m.cache.Bus(busID); ok && b.Sharing() {
		m.startBus(parent, busID)
	}
}

// lockBus serializes descriptor writes for one bus within this process.
func (m *Manager) lockBus(busID string) (unlock func()) {
	m.writeMu.Lock()
	l, ok := m.writeLocks[busID]
	if !ok {
		l = &sync.Mutex{}
		m.writeLocks[busID] = l
	}
	m.writeMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) runBus(ctx context.Context, busID string) error {
	tick := time.NewTicker(m.opts.PublishInterval)
	defer tick.Stop()

	var jitterC <-chan time.Time
	if m.opts.JitterInterval > 0 {
		jitter := time.NewTicker(m.opts.JitterInterval)
		defer jitter.Stop()
		jitterC = jitter.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			done, err := m.publishTick(ctx, busID)
			if err != nil {
				log.Printf("publish error for %s: %v", busID, err)
			}
			if done {
				return nil
			}
		case <-jitterC:
			if err := m.Jitter(ctx, busID); err != nil {
				log.Printf("jitter error for %s: %v", busID, err)
			}
		}
	}
}

// publishTick computes and publishes the current position. It reports done
// once the bus has stopped sharing or disappeared.
func (m *Manager) publishTick(ctx context.Context, busID string) (bool, error) {
	tickStart := time.Now()
	b, ok := m.cache.Bus(busID)
	if !ok || !b.Sharing() {
		return true, nil
	}
	snap := m.snapshot(ctx, b, m.now())
	if m.metrics != nil {
		m.metrics.TickDuration.Observe(time.Since(tickStart).Seconds())
	}
	if m.pub == nil || !snap.HasPosition {
		return false, nil
	}
	return false, m.pub.PublishPosition(snap.Message())
}

// Jitter picks a new speed for a sharing bus and persists it together with
// the position reached so far. The write is folded from the descriptor as
// stored at write time and is dropped if the driver paused in between.
func (m *Manager) Jitter(ctx context.Context, busID string) error {
	b, ok := m.cache.Bus(busID)
	if !ok || !b.Sharing() {
		return nil
	}
	speed := jitterMinKmph + m.opts.Rand()*(jitterMaxKmph-jitterMinKmph)
	// fetch geometry before taking the bus lock
	m.trackFor(ctx, busID, m.route(b, m.now()))

	unlock := m.lockBus(busID)
	defer unlock()
	b, ok = m.cache.Bus(busID)
	if !ok || !b.Sharing() {
		return nil
	}
	now := m.now()
	anchor := b.Sim.LastUpdateAt
	d := b.Sim.WithSpeed(now, speed)
	patch := bus.Patch{Sim: &d, IfAnchor: &anchor}
	if pos, ok := m.trackFor(ctx, busID, m.route(b, now)).At(&d, now); ok {
		patch.Position = &pos
	}
	err := m.cache.UpdateBus(ctx, busID, patch)
	if errors.Is(err, store.ErrConflict) {
		log.Printf("jitter for %s skipped: descriptor changed", busID)
		return nil
	}
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.JitterWrites.Inc()
	}
	return nil
}

// SetSharing starts or stops a bus. The descriptor is folded at now, so a
// paused bus stays where it stopped and a resumed one continues from there.
func (m *Manager) SetSharing(ctx context.Context, busID string, on bool) error {
	unlock := m.lockBus(busID)
	defer unlock()
	b, ok := m.cache.Bus(busID)
	if !ok {
		return store.ErrNotFound
	}
	now := m.now()
	var d bus.Descriptor
	if b.Sim != nil {
		d = *b.Sim
	}
	if on {
		d = d.Resume(now)
	} else {
		d = d.Pause(now)
	}
	patch := bus.Patch{Sim: &d}
	track := m.trackFor(ctx, busID, m.route(b, now))
	if pos, ok := track.At(&d, now); ok {
		patch.Position = &pos
	}
	if err := m.cache.UpdateBus(ctx, busID, patch); err != nil {
		return fmt.Errorf("set sharing for %s: %w", busID, err)
	}
	log.Printf("bus %s sharing=%t offset=%.3fkm", busID, on, d.OffsetKm)
	return nil
}

// Snapshot is everything a dashboard shows for one bus at one instant.
type Snapshot struct {
	Bus         bus.Bus           `json:"bus"`
	At          time.Time         `json:"at"`
	Route       schedule.Route    `json:"route"`
	Geometry    []geo.Point       `json:"geometry"`
	Position    geo.Point         `json:"position"`
	HasPosition bool              `json:"hasPosition"`
	Bearing     float64           `json:"bearing"`
	SpeedKmph   float64           `json:"speedKmph"`
	Live        bool              `json:"live"`
	Progress    schedule.Progress `json:"progress"`
	Rows        []eta.Row         `json:"rows"`
}

func (s Snapshot) Message() publisher.PositionMessage {
	msg := publisher.PositionMessage{
		BusID:     s.Bus.ID,
		Timestamp: s.At,
		Lat:       s.Position.Lat,
		Lon:       s.Position.Lon,
		Bearing:   s.Bearing,
		SpeedKmph: s.SpeedKmph,
		Moving:    s.Live,
		NextStop:  s.Progress.NextName,
	}
	if n := len(s.Route.OrderedStops); n > 1 {
		msg.Progress = float64(s.Progress.ArrivedIdx) / float64(n-1)
	}
	return msg
}

// Snapshot evaluates bus busID at the current time.
func (m *Manager) Snapshot(ctx context.Context, busID string) (Snapshot, error) {
	b, ok := m.cache.Bus(busID)
	if !ok {
		return Snapshot{}, store.ErrNotFound
	}
	return m.snapshot(ctx, b, m.now()), nil
}

func (m *Manager) route(b bus.Bus, now time.Time) schedule.Route {
	return schedule.BuildRouteForNow(b, now, m.cache.Stops(b.ID), m.opts.Schedule)
}

func (m *Manager) snapshot(ctx context.Context, b bus.Bus, now time.Time) Snapshot {
	r := m.route(b, now)
	track := m.trackFor(ctx, b.ID, r)
	s := Snapshot{
		Bus:      b,
		At:       now,
		Route:    r,
		Geometry: track.Points,
		Live:     b.Sharing(),
	}
	if b.Sim != nil {
		s.SpeedKmph = b.Sim.Speed()
	} else {
		s.SpeedKmph = bus.DefaultSpeedKmph
	}
	s.Position, s.HasPosition = track.At(b.Sim, now)
	if s.Live {
		if ahead, ok := track.At(b.Sim, now.Add(5*time.Second)); ok && geo.HaversineKm(s.Position, ahead) > 0 {
			s.Bearing = geo.BearingDeg(s.Position, ahead)
		}
	}
	if s.HasPosition {
		s.Progress = schedule.Locate(s.Position, r.OrderedStops)
	}
	s.Rows = eta.BuildRows(eta.Input{
		Position:     s.Position,
		SpeedKmph:    s.SpeedKmph,
		Timeline:     r.Timeline,
		StartPlanned: r.StartPlanned(now, m.opts.Schedule.DefaultEveningStart),
		Now:          now,
		Live:         s.Live && s.HasPosition,
	})
	return s
}

func routeKey(r schedule.Route) string {
	var sb strings.Builder
	sb.WriteString(string(r.Phase))
	for _, s := range r.OrderedStops {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(s.Position.Lat, 'f', 7, 64))
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(s.Position.Lon, 'f', 7, 64))
	}
	return sb.String()
}

// trackFor returns the road geometry for r. Each bus keeps one entry per
// phase, replaced when the stop sequence changes. Straight-line geometry
// served while the router fails is retried after RouteRetry.
func (m *Manager) trackFor(ctx context.Context, busID string, r schedule.Route) *Track {
	slot := busID + "|" + string(r.Phase)
	key := routeKey(r)
	now := m.opts.Now()
	m.geoMu.Lock()
	e, ok := m.tracks[slot]
	m.geoMu.Unlock()
	if ok && e.key == key && (e.retryAt.IsZero() || now.Before(e.retryAt)) {
		return e.track
	}

	waypoints := r.Points()
	pts := waypoints
	var retryAt time.Time
	if m.routes != nil && len(waypoints) >= 2 {
		rctx, cancel := context.WithTimeout(ctx, routeTimeout)
		road, err := m.routes.Route(rctx, waypoints)
		cancel()
		switch {
		case err == nil, len(road) >= 2:
			pts = road
		default:
			pts = geo.Densify(waypoints, geo.DefaultStepKm)
		}
		if err != nil {
			retryAt = now.Add(m.opts.RouteRetry)
			log.Printf("route geometry for %s: %v (retry after %s)", busID, err, m.opts.RouteRetry)
		}
	}
	t := NewTrack(pts)

	m.geoMu.Lock()
	m.tracks[slot] = trackEntry{key: key, track: t, retryAt: retryAt}
	m.geoMu.Unlock()
	return t
}
