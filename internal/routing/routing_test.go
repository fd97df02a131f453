package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/geo"
)

var waypoints = []geo.Point{
	{Lat: 16.2315471, Lon: 80.5526116},
	{Lat: 16.3000000, Lon: 80.4500000},
}

func TestOSRM_ParsesGeometry(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"geometry":{"type":"LineString",
			"coordinates":[[80.5526,16.2315],[80.50,16.26],[80.45,16.30]]}}]}`))
	}))
	defer srv.Close()

	pts, err := NewOSRM(srv.URL+"/", time.Second).Route(context.Background(), waypoints)
	require.NoError(t, err)
	require.Len(t, pts, 3)
	assert.Equal(t, geo.Point{Lat: 16.26, Lon: 80.50}, pts[1])
	assert.Equal(t, "/route/v1/driving/80.552612,16.231547;80.450000,16.300000", gotPath)
	assert.Contains(t, gotQuery, "overview=full")
	assert.Contains(t, gotQuery, "geometries=geojson")
	assert.Contains(t, gotQuery, "continue_straight=true")
}

func TestOSRM_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"no route", http.StatusOK, `{"code":"NoRoute","message":"Impossible route","routes":[]}`},
		{"bad json", http.StatusOK, `{"code":`},
		{"short geometry", http.StatusOK, `{"code":"Ok","routes":[{"geometry":{"coordinates":[[80.5,16.2]]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			_, err := NewOSRM(srv.URL, time.Second).Route(context.Background(), waypoints)
			assert.Error(t, err)
		})
	}
}

func TestOSRM_NeedsTwoWaypoints(t *testing.T) {
	_, err := NewOSRM("http://unused", time.Second).Route(context.Background(), waypoints[:1])
	assert.ErrorIs(t, err, ErrNoRoute)
}

type stubProvider struct {
	pts []geo.Point
	err error
}

func (s stubProvider) Route(context.Context, []geo.Point) ([]geo.Point, error) { return s.pts, s.err }

type resultCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *resultCounter) RoutingRequestInc(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[result]++
}

func TestFallback(t *testing.T) {
	road := []geo.Point{waypoints[0], {Lat: 16.25, Lon: 80.5}, waypoints[1]}

	m := &resultCounter{}
	pts, err := WithFallback(stubProvider{pts: road}, m).Route(context.Background(), waypoints)
	require.NoError(t, err)
	assert.Equal(t, road, pts)

	pts, err = WithFallback(stubProvider{err: errors.New("timeout")}, m).Route(context.Background(), waypoints)
	require.ErrorIs(t, err, ErrDegraded)
	assert.Greater(t, len(pts), 2)
	assert.Equal(t, waypoints[0], pts[0])
	assert.InDelta(t, waypoints[1].Lat, pts[len(pts)-1].Lat, 1e-9)

	pts, err = WithFallback(nil, m).Route(context.Background(), waypoints[:1])
	require.NoError(t, err)
	assert.Equal(t, waypoints[:1], pts)

	assert.Equal(t, map[string]int{"ok": 1, "error": 1, "fallback": 2}, m.counts)
}

func TestFallback_StepsAreShort(t *testing.T) {
	pts, _ := WithFallback(nil, nil).Route(context.Background(), waypoints)
	for i := 1; i < len(pts); i++ {
		assert.LessOrEqual(t, geo.HaversineKm(pts[i-1], pts[i]), geo.DefaultStepKm+0.005)
	}
}
