package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/schedule"
	"bus-tracker/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []publisher.PositionMessage
}

func (p *recordingPublisher) PublishPosition(msg publisher.PositionMessage) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type countingRoutes struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRoutes) Route(_ context.Context, pts []geo.Point) ([]geo.Point, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return pts, nil
}

var (
	origin = geo.Point{Lat: 16.0, Lon: 80.0}
	// 10 km due north of origin
	stopA = geo.Point{Lat: 16.0 + 10/kmPerDegree, Lon: 80.0}
)

func testOptions(clock *fakeClock) Options {
	opts := schedule.DefaultOptions()
	opts.Origin = bus.Stop{Name: "Campus", Position: origin}
	return Options{
		PublishInterval: 5 * time.Millisecond,
		Schedule:        opts,
		Location:        time.UTC,
		Now:             clock.Now,
		Rand:            func() float64 { return 0.5 },
	}
}

type fixture struct {
	mem   *store.Memory
	cache *store.Cache
	clock *fakeClock
	pub   *recordingPublisher
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	name, start := "Bus 1", "16:30"
	require.NoError(t, mem.UpdateBus(ctx, "b1", bus.Patch{Name: &name, StartTime: &start}))
	require.NoError(t, mem.SetStops(ctx, "b1", []bus.Stop{{Name: "Stop A", Position: stopA, PlannedOffsetMinutes: 20}}))

	cache := store.NewCache(mem, mem, 0, nil)
	require.NoError(t, cache.Start(ctx))
	t.Cleanup(cache.Stop)

	clock := &fakeClock{t: time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	mgr := NewManager(cache, pub, nil, nil, testOptions(clock))
	return &fixture{mem: mem, cache: cache, clock: clock, pub: pub, mgr: mgr}
}

func TestManager_SharingStartsAndStopsLoop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.mgr.Start(ctx)
	defer f.mgr.Stop()
	assert.False(t, f.mgr.Running("b1"))

	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	b, _ := f.cache.Bus("b1")
	require.True(t, b.Sharing())
	require.NotNil(t, b.Position)
	assert.InDelta(t, origin.Lat, b.Position.Lat, 1e-9)

	assert.Eventually(t, func() bool { return f.mgr.Running("b1") && f.pub.count() > 0 }, time.Second, 5*time.Millisecond)

	// 6 minutes at 30 km/h is 3 km along the leg
	f.clock.Advance(6 * time.Minute)
	require.NoError(t, f.mgr.SetSharing(ctx, "b1", false))

	b, _ = f.cache.Bus("b1")
	assert.False(t, b.Sharing())
	assert.InDelta(t, 3.0, b.Sim.OffsetKm, 1e-6)
	assert.InDelta(t, 3.0, geo.HaversineKm(origin, *b.Position), 0.01)
	assert.Eventually(t, func() bool { return !f.mgr.Running("b1") }, time.Second, 5*time.Millisecond)

	// paused bus stays put
	f.clock.Advance(time.Hour)
	snap, err := f.mgr.Snapshot(ctx, "b1")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, geo.HaversineKm(origin, snap.Position), 0.01)
	assert.False(t, snap.Live)
}

func TestManager_ResumeContinuesFromFrozenOffset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	f.clock.Advance(4 * time.Minute) // 2 km
	require.NoError(t, f.mgr.SetSharing(ctx, "b1", false))
	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	f.clock.Advance(2 * time.Minute) // +1 km

	snap, err := f.mgr.Snapshot(ctx, "b1")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, geo.HaversineKm(origin, snap.Position), 0.01)
	assert.Equal(t, 0.0, snap.Bearing)
	assert.True(t, snap.Live)
}

func TestManager_JitterFoldsAndWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Jitter(ctx, "b1"))
	b, _ := f.cache.Bus("b1")
	assert.Nil(t, b.Sim, "jitter must not touch a bus that is not sharing")

	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	f.clock.Advance(10 * time.Minute) // 5 km at 30 km/h
	require.NoError(t, f.mgr.Jitter(ctx, "b1"))

	b, _ = f.cache.Bus("b1")
	assert.Equal(t, 35.0, b.Sim.SpeedKmph)
	assert.InDelta(t, 5.0, b.Sim.OffsetKm, 1e-6)
	assert.Equal(t, f.clock.Now(), b.Sim.LastUpdateAt)
	assert.InDelta(t, 5.0, geo.HaversineKm(origin, *b.Position), 0.01)
}

func TestManager_SnapshotSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.mgr.Snapshot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, schedule.Evening, snap.Route.Phase)
	assert.Equal(t, origin, snap.Position, "no descriptor parks the bus at the origin")
	require.Len(t, snap.Rows, 2)
	assert.False(t, snap.Rows[1].Available)
	assert.Equal(t, time.Date(2025, 3, 10, 16, 50, 0, 0, time.UTC), snap.Rows[1].Planned)

	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	snap, err = f.mgr.Snapshot(ctx, "b1")
	require.NoError(t, err)
	require.True(t, snap.Rows[1].Available)
	assert.Equal(t, 20, snap.Rows[1].TravelMinutes)
	assert.Equal(t, 0, snap.Rows[1].DelayMinutes)
	assert.Equal(t, "Stop A", snap.Progress.NextName)
	assert.True(t, snap.Progress.AtStop)
	assert.InDelta(t, 0.0, snap.Bearing, 1e-6)

	msg := snap.Message()
	assert.Equal(t, "b1", msg.BusID)
	assert.True(t, msg.Moving)
	assert.Equal(t, 30.0, msg.SpeedKmph)
}

func TestManager_UnknownBus(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Snapshot(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.mgr.SetSharing(context.Background(), "nope", true), store.ErrNotFound)
}

func TestManager_SnapshotDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	before, _ := f.mem.Bus(context.Background(), "b1")
	for i := 0; i < 3; i++ {
		_, err := f.mgr.Snapshot(context.Background(), "b1")
		require.NoError(t, err)
	}
	after, _ := f.mem.Bus(context.Background(), "b1")
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestManager_GeometryFetchedOncePerRoute(t *testing.T) {
	f := newFixture(t)
	routes := &countingRoutes{}
	mgr := NewManager(f.cache, nil, routes, nil, testOptions(f.clock))

	for i := 0; i < 3; i++ {
		_, err := mgr.Snapshot(context.Background(), "b1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, routes.calls)

	// morning reverses the stops, which is a different route
	f.clock.Advance(15 * time.Hour)
	_, err := mgr.Snapshot(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, routes.calls)
}

func TestManager_JitterNeverUndoesPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	f.clock.Advance(2 * time.Minute)

	// the driver pauses while jitter is picking a speed
	var mgr *Manager
	opts := testOptions(f.clock)
	opts.Rand = func() float64 {
		require.NoError(t, mgr.SetSharing(ctx, "b1", false))
		return 0.5
	}
	mgr = NewManager(f.cache, nil, nil, nil, opts)
	require.NoError(t, mgr.Jitter(ctx, "b1"))

	b, _ := f.cache.Bus("b1")
	assert.False(t, b.Sharing())
	assert.Equal(t, 30.0, b.Sim.SpeedKmph)
	assert.InDelta(t, 1.0, b.Sim.OffsetKm, 1e-6)
}

func TestManager_JitterLosesToPauseFromAnotherProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	f.clock.Advance(2 * time.Minute)

	// the pause lands in the store without reaching this process's cache
	opts := testOptions(f.clock)
	opts.Rand = func() float64 {
		stored, err := f.mem.Bus(ctx, "b1")
		require.NoError(t, err)
		paused := stored.Sim.Pause(f.clock.Now())
		require.NoError(t, f.mem.UpdateBus(ctx, "b1", bus.Patch{Sim: &paused}))
		return 0.5
	}
	mgr := NewManager(f.cache, nil, nil, nil, opts)
	require.NoError(t, mgr.Jitter(ctx, "b1"))

	stored, err := f.mem.Bus(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, stored.Sharing())
	assert.Equal(t, 30.0, stored.Sim.SpeedKmph)
	cached, _ := f.cache.Bus("b1")
	assert.False(t, cached.Sharing(), "a lost write refreshes the cache")
}

// flakyRoutes fails the first call and returns a three point road after.
type flakyRoutes struct {
	mu    sync.Mutex
	calls int
}

func (r *flakyRoutes) Route(_ context.Context, pts []geo.Point) ([]geo.Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == 1 {
		return nil, errors.New("connection refused")
	}
	mid := geo.Point{Lat: (pts[0].Lat + pts[len(pts)-1].Lat) / 2, Lon: 80.01}
	return []geo.Point{pts[0], mid, pts[len(pts)-1]}, nil
}

func TestManager_DegradedGeometryIsRetried(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyRoutes{}
	opts := testOptions(f.clock)
	opts.RouteRetry = time.Minute
	mgr := NewManager(f.cache, nil, routing.WithFallback(flaky, nil), nil, opts)
	ctx := context.Background()

	snap, err := mgr.Snapshot(ctx, "b1")
	require.NoError(t, err)
	straight := len(snap.Geometry)
	assert.Greater(t, straight, 3)

	snap, _ = mgr.Snapshot(ctx, "b1")
	assert.Len(t, snap.Geometry, straight)
	assert.Equal(t, 1, flaky.calls)

	f.clock.Advance(2 * time.Minute)
	snap, _ = mgr.Snapshot(ctx, "b1")
	assert.Len(t, snap.Geometry, 3)
	assert.Equal(t, 2, flaky.calls)

	f.clock.Advance(2 * time.Minute)
	_, _ = mgr.Snapshot(ctx, "b1")
	assert.Equal(t, 2, flaky.calls, "road geometry is kept")
}

func TestManager_StopEditsReplaceGeometry(t *testing.T) {
	f := newFixture(t)
	routes := &countingRoutes{}
	mgr := NewManager(f.cache, nil, routes, nil, testOptions(f.clock))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		pos := geo.Point{Lat: stopA.Lat, Lon: 80.0 + float64(i)*0.01}
		require.NoError(t, f.cache.SetStops(ctx, "b1", []bus.Stop{{Name: "Stop A", Position: pos, PlannedOffsetMinutes: 20}}))
		_, err := mgr.Snapshot(ctx, "b1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, routes.calls)
	mgr.geoMu.Lock()
	assert.Len(t, mgr.tracks, 1)
	mgr.geoMu.Unlock()
}

func TestManager_FinishedLoopRestartsWhenResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defer f.mgr.Stop()

	// a finishing loop must not remove its replacement
	current := &busLoop{cancel: func() {}}
	f.mgr.mu.Lock()
	f.mgr.running["b1"] = current
	f.mgr.mu.Unlock()
	f.mgr.finish(ctx, "b1", &busLoop{cancel: func() {}})
	f.mgr.mu.Lock()
	assert.Same(t, current, f.mgr.running["b1"])
	delete(f.mgr.running, "b1")
	f.mgr.mu.Unlock()

	// resumed during wind-down: a fresh loop takes over
	require.NoError(t, f.mgr.SetSharing(ctx, "b1", true))
	f.mgr.finish(ctx, "b1", current)
	assert.True(t, f.mgr.Running("b1"))
	assert.Eventually(t, func() bool { return f.pub.count() > 0 }, time.Second, 5*time.Millisecond)
}
