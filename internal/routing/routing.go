// Package routing turns an ordered list of stops into drawable road geometry.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bus-tracker/internal/geo"
)

// Provider returns a polyline that passes through waypoints in order.
type Provider interface {
	Route(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error)
}

// Metrics records routing outcomes. result is ok, error or fallback.
type Metrics interface {
	RoutingRequestInc(result string)
}

var (
	ErrNoRoute = errors.New("no route")
	// ErrDegraded accompanies straight-line geometry served because the
	// provider failed. Callers should ask again later.
	ErrDegraded = errors.New("routing degraded to straight line")
)

// OSRM queries an OSRM-compatible /route/v1/driving endpoint.
type OSRM struct {
	baseURL string
	client  *http.Client
}

func NewOSRM(baseURL string, timeout time.Duration) *OSRM {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (o *OSRM) requestURL(waypoints []geo.Point) string {
	coords := make([]string, len(waypoints))
	for i, p := range waypoints {
		coords[i] = strconv.FormatFloat(p.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
	}
	q := url.Values{}
	q.Set("overview", "full")
	q.Set("geometries", "geojson")
	q.Set("steps", "false")
	q.Set("continue_straight", "true")
	return fmt.Sprintf("%s/route/v1/driving/%s?%s", o.baseURL, strings.Join(coords, ";"), q.Encode())
}

func (o *OSRM) Route(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error) {
	if len(waypoints) < 2 {
		return nil, ErrNoRoute
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.requestURL(waypoints), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode osrm response: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, body.Code, body.Message)
	}
	coords := body.Routes[0].Geometry.Coordinates
	out := make([]geo.Point, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		out = append(out, geo.Point{Lat: c[1], Lon: c[0]})
	}
	if len(out) < 2 {
		return nil, ErrNoRoute
	}
	return out, nil
}

// Fallback wraps a Provider and densifies the straight-line path between
// waypoints whenever the provider is missing or fails. Route always returns
// usable geometry; the error wraps ErrDegraded when the provider failed.
type Fallback struct {
	provider Provider
	stepKm   float64
	metrics  Metrics
}

// WithFallback wraps p, which may be nil.
func WithFallback(p Provider, m Metrics) *Fallback {
	return &Fallback{provider: p, stepKm: geo.DefaultStepKm, metrics: m}
}

func (f *Fallback) inc(result string) {
	if f.metrics != nil {
		f.metrics.RoutingRequestInc(result)
	}
}

func (f *Fallback) Route(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error) {
	if f.provider != nil && len(waypoints) >= 2 {
		pts, err := f.provider.Route(ctx, waypoints)
		if err == nil {
			f.inc("ok")
			return pts, nil
		}
		f.inc("error")
		log.Printf("routing failed, using straight line: %v", err)
		f.inc("fallback")
		return geo.Densify(waypoints, f.stepKm), fmt.Errorf("%w: %v", ErrDegraded, err)
	}
	f.inc("fallback")
	return geo.Densify(waypoints, f.stepKm), nil
}
