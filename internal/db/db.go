package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS buses (
    id                 text PRIMARY KEY,
    name               text NOT NULL DEFAULT '',
    driver_name        text NOT NULL DEFAULT '',
    driver_phone       text NOT NULL DEFAULT '',
    start_time         text NOT NULL DEFAULT '',
    sharing            boolean NOT NULL DEFAULT false,
    has_sim            boolean NOT NULL DEFAULT false,
    sim_active         boolean NOT NULL DEFAULT false,
    sim_speed_kmph     double precision NOT NULL DEFAULT 0,
    sim_dir            smallint NOT NULL DEFAULT 1,
    sim_mode           text NOT NULL DEFAULT 'bounce',
    sim_offset_km      double precision NOT NULL DEFAULT 0,
    sim_last_update_at timestamptz,
    pos_lat            double precision,
    pos_lon            double precision,
    updated_at         timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS stops (
    bus_id             text NOT NULL REFERENCES buses(id) ON DELETE CASCADE,
    seq                integer NOT NULL,
    name               text NOT NULL,
    lat                double precision NOT NULL,
    lon                double precision NOT NULL,
    planned_offset_min integer NOT NULL DEFAULT 0,
    PRIMARY KEY (bus_id, seq)
);`

// EnsureSchema creates the tables if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Repository is the Postgres implementation of store.Repository.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const busColumns = `id, name, driver_name, driver_phone, start_time,
       has_sim, sim_active, sim_speed_kmph, sim_dir, sim_mode, sim_offset_km, sim_last_update_at,
       pos_lat, pos_lon, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBus(r rowScanner) (bus.Bus, error) {
	var (
		b          bus.Bus
		hasSim     bool
		d          bus.Descriptor
		mode       string
		lastUpdate sql.NullTime
		lat, lon   sql.NullFloat64
	)
	err := r.Scan(&b.ID, &b.Name, &b.DriverName, &b.DriverPhone, &b.StartTime,
		&hasSim, &d.Active, &d.SpeedKmph, &d.Dir, &mode, &d.OffsetKm, &lastUpdate,
		&lat, &lon, &b.UpdatedAt)
	if err != nil {
		return bus.Bus{}, err
	}
	if hasSim {
		d.Mode = bus.Mode(mode).Normalize()
		if lastUpdate.Valid {
			d.LastUpdateAt = lastUpdate.Time
		}
		b.Sim = &d
	}
	if lat.Valid && lon.Valid {
		b.Position = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	return b, nil
}

func (r *Repository) ListBuses(ctx context.Context) ([]bus.Bus, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+busColumns+` FROM buses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query buses: %w", err)
	}
	defer rows.Close()
	var out []bus.Bus
	for rows.Next() {
		b, err := scanBus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repository) Bus(ctx context.Context, id string) (bus.Bus, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+busColumns+` FROM buses WHERE id = $1`, id)
	b, err := scanBus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bus.Bus{}, store.ErrNotFound
	}
	if err != nil {
		return bus.Bus{}, fmt.Errorf("query bus %s: %w", id, err)
	}
	return b, nil
}

func (r *Repository) Stops(ctx context.Context, id string) ([]bus.Stop, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, lat, lon, planned_offset_min FROM stops WHERE bus_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var out []bus.Stop
	for rows.Next() {
		var s bus.Stop
		if err := rows.Scan(&s.Name, &s.Position.Lat, &s.Position.Lon, &s.PlannedOffsetMinutes); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// buildUpdate renders p as a single UPDATE. The sharing column is always
// written from the descriptor in the same statement. IfAnchor turns into a
// guard on the stored descriptor.
func buildUpdate(id string, p bus.Patch) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.DriverName != nil {
		add("driver_name", *p.DriverName)
	}
	if p.DriverPhone != nil {
		add("driver_phone", *p.DriverPhone)
	}
	if p.StartTime != nil {
		add("start_time", *p.StartTime)
	}
	if d := p.Sim; d != nil {
		add("has_sim", true)
		add("sim_active", d.Active)
		add("sharing", d.Active)
		add("sim_speed_kmph", d.SpeedKmph)
		add("sim_dir", d.Direction())
		add("sim_mode", string(d.Mode.Normalize()))
		add("sim_offset_km", d.OffsetKm)
		var last any
		if !d.LastUpdateAt.IsZero() {
			last = d.LastUpdateAt
		}
		add("sim_last_update_at", last)
	}
	if p.Position != nil {
		add("pos_lat", p.Position.Lat)
		add("pos_lon", p.Position.Lon)
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)
	q := fmt.Sprintf("UPDATE buses SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if p.IfAnchor != nil {
		args = append(args, *p.IfAnchor)
		q += fmt.Sprintf(" AND sim_active AND sim_last_update_at = $%d", len(args))
	}
	return q, args
}

// UpdateBus creates the bus if needed and merges the patch into it.
func (r *Repository) UpdateBus(ctx context.Context, id string, p bus.Patch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO buses (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return fmt.Errorf("ensure bus %s: %w", id, err)
	}
	q, args := buildUpdate(id, p)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update bus %s: %w", id, err)
	}
	if p.IfAnchor != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update bus %s: %w", id, err)
		}
		if n == 0 {
			return store.ErrConflict
		}
	}
	return tx.Commit()
}

// SetStops replaces the whole stop list of a bus.
func (r *Repository) SetStops(ctx context.Context, id string, stops []bus.Stop) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO buses (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return fmt.Errorf("ensure bus %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stops WHERE bus_id = $1`, id); err != nil {
		return fmt.Errorf("clear stops: %w", err)
	}
	for i, s := range stops {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stops (bus_id, seq, name, lat, lon, planned_offset_min) VALUES ($1, $2, $3, $4, $5, $6)`,
			id, i, s.Name, s.Position.Lat, s.Position.Lon, s.PlannedOffsetMinutes)
		if err != nil {
			return fmt.Errorf("insert stop %q: %w", s.Name, err)
		}
	}
	return tx.Commit()
}
