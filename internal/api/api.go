// Package api serves the dashboards: bus records, stop lists, the driver's
// sharing toggle, and the live position, route and schedule of each bus.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/schedule"
	"bus-tracker/internal/sim"
	"bus-tracker/internal/store"
	"bus-tracker/internal/validate"
)

type Server struct {
	e     *echo.Echo
	cache *store.Cache
	mgr   *sim.Manager
}

func New(cache *store.Cache, mgr *sim.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &echoValidator{v: validate.New()}
	e.Use(middleware.Recover())

	s := &Server{e: e, cache: cache, mgr: mgr}

	g := e.Group("/api")
	g.GET("/health", s.health)
	g.GET("/buses", s.listBuses)
	g.GET("/buses/:id", s.getBus)
	g.PATCH("/buses/:id", s.patchBus)
	g.PUT("/buses/:id/stops", s.putStops)
	g.POST("/buses/:id/sharing", s.postSharing)
	g.GET("/buses/:id/position", s.getPosition)
	g.GET("/buses/:id/route", s.getRoute)
	g.GET("/buses/:id/schedule", s.getSchedule)
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	log.Printf("api listening on %s", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

type echoValidator struct {
	v *validator.Validate
}

func (ev *echoValidator) Validate(i any) error { return ev.v.Struct(i) }

type busView struct {
	bus.Bus
	Sharing bool `json:"sharing"`
}

func viewOf(b bus.Bus) busView { return busView{Bus: b, Sharing: b.Sharing()} }

type patchBusRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=80"`
	DriverName  *string `json:"driverName" validate:"omitempty,max=80"`
	DriverPhone *string `json:"driverPhone" validate:"omitempty,max=20"`
	StartTime   *string `json:"startTime" validate:"omitempty,clock"`
}

type setStopsRequest struct {
	Stops []bus.Stop `json:"stops" validate:"stopnames,dive"`
}

type sharingRequest struct {
	Sharing *bool `json:"sharing" validate:"required"`
}

func message(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]any{"message": msg})
}

// storeError maps an error from the store or manager to a response.
func storeError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return message(c, http.StatusNotFound, "bus not found")
	}
	log.Printf("%s %s failed: %v", c.Request().Method, c.Path(), err)
	return message(c, http.StatusInternalServerError, "store unavailable")
}

func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "buses": len(s.cache.Buses())})
}

func (s *Server) listBuses(c echo.Context) error {
	list := s.cache.Buses()
	out := make([]busView, len(list))
	for i, b := range list {
		out[i] = viewOf(b)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getBus(c echo.Context) error {
	id := c.Param("id")
	b, ok := s.cache.Bus(id)
	if !ok {
		return storeError(c, store.ErrNotFound)
	}
	stops := s.cache.Stops(id)
	if stops == nil {
		stops = []bus.Stop{}
	}
	return c.JSON(http.StatusOK, map[string]any{"bus": viewOf(b), "stops": stops})
}

func (s *Server) patchBus(c echo.Context) error {
	var req patchBusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p := bus.Patch{Name: req.Name, DriverName: req.DriverName, DriverPhone: req.DriverPhone, StartTime: req.StartTime}
	if p.Empty() {
		return message(c, http.StatusBadRequest, "nothing to update")
	}
	id := c.Param("id")
	if err := s.cache.UpdateBus(c.Request().Context(), id, p); err != nil {
		return storeError(c, err)
	}
	b, _ := s.cache.Bus(id)
	return c.JSON(http.StatusOK, viewOf(b))
}

func (s *Server) putStops(c echo.Context) error {
	var req setStopsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.cache.SetStops(c.Request().Context(), id, req.Stops); err != nil {
		return storeError(c, err)
	}
	stops := s.cache.Stops(id)
	if stops == nil {
		stops = []bus.Stop{}
	}
	return c.JSON(http.StatusOK, stops)
}

func (s *Server) postSharing(c echo.Context) error {
	var req sharingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.mgr.SetSharing(c.Request().Context(), id, *req.Sharing); err != nil {
		return storeError(c, err)
	}
	b, _ := s.cache.Bus(id)
	return c.JSON(http.StatusOK, viewOf(b))
}

type positionView struct {
	BusID       string            `json:"busId"`
	At          time.Time         `json:"at"`
	Position    *geo.Point        `json:"position"`
	Bearing     float64           `json:"bearing"`
	SpeedKmph   float64           `json:"speedKmph"`
	Moving      bool              `json:"moving"`
	Progress    schedule.Progress `json:"progress"`
	NextIn      string            `json:"nextIn,omitempty"`
	RouteLength float64           `json:"routeLengthKm"`
}

func (s *Server) getPosition(c echo.Context) error {
	snap, err := s.mgr.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	v := positionView{
		BusID:       snap.Bus.ID,
		At:          snap.At,
		Bearing:     snap.Bearing,
		SpeedKmph:   snap.SpeedKmph,
		Moving:      snap.Live,
		Progress:    snap.Progress,
		RouteLength: sim.NewTrack(snap.Geometry).LengthKm(),
	}
	if snap.HasPosition {
		pos := snap.Position
		v.Position = &pos
		if snap.Live {
			v.NextIn = eta.FormatMinutes(snap.Progress.DistToNextKm / snap.SpeedKmph * 60)
		}
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) getRoute(c echo.Context) error {
	snap, err := s.mgr.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"route": snap.Route, "geometry": snap.Geometry})
}

type rowView struct {
	eta.Row
	TravelText string `json:"travelText,omitempty"`
	DueIn      string `json:"dueIn,omitempty"`
	Current    bool   `json:"current"`
}

func (s *Server) getSchedule(c echo.Context) error {
	snap, err := s.mgr.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	rows := make([]rowView, len(snap.Rows))
	for i, r := range snap.Rows {
		rv := rowView{Row: r}
		if r.Available {
			rv.TravelText = eta.FormatMinutes(float64(r.TravelMinutes))
			rv.DueIn = eta.FormatMinutes(r.ETA.Sub(snap.At).Minutes())
		}
		rv.Current = snap.Live && bus.SameStop(r.Name, snap.Progress.NextName)
		rows[i] = rv
	}
	return c.JSON(http.StatusOK, map[string]any{
		"busId":    snap.Bus.ID,
		"at":       snap.At,
		"live":     snap.Live,
		"phase":    snap.Route.Phase,
		"start":    snap.Route.StartTime,
		"from":     snap.Route.StartPlace,
		"progress": snap.Progress,
		"rows":     rows,
	})
}
