package postgres

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so repeated
// bootstraps against the same database are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              TEXT PRIMARY KEY,
		model           TEXT NOT NULL DEFAULT '',
		city            TEXT NOT NULL,
		pos_x           DOUBLE PRECISION NOT NULL DEFAULT 0,
		pos_y           DOUBLE PRECISION NOT NULL DEFAULT 0,
		battery_percent DOUBLE PRECISION NOT NULL DEFAULT 100,
		status          TEXT NOT NULL,
		generation      BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS vehicles_city_status_idx ON vehicles (city, status)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id           TEXT PRIMARY KEY,
		city         TEXT NOT NULL,
		status       TEXT NOT NULL,
		pickup_x     DOUBLE PRECISION NOT NULL,
		pickup_y     DOUBLE PRECISION NOT NULL,
		dropoff_x    DOUBLE PRECISION NOT NULL,
		dropoff_y    DOUBLE PRECISION NOT NULL,
		vehicle_id   TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS orders_city_status_idx ON orders (city, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS charging_stations (
		code          TEXT PRIMARY KEY,
		city          TEXT NOT NULL,
		pos_x         DOUBLE PRECISION NOT NULL,
		pos_y         DOUBLE PRECISION NOT NULL,
		max_capacity  INTEGER NOT NULL,
		current_count INTEGER NOT NULL DEFAULT 0,
		CHECK (current_count >= 0),
		CHECK (current_count <= max_capacity)
	)`,
	`CREATE TABLE IF NOT EXISTS charge_ledger (
		id            BIGSERIAL PRIMARY KEY,
		vehicle_id    TEXT NOT NULL,
		station_code  TEXT NOT NULL,
		city          TEXT NOT NULL,
		percent_added DOUBLE PRECISION NOT NULL,
		cost          DOUBLE PRECISION NOT NULL,
		recorded_at   TIMESTAMPTZ NOT NULL
	)`,
}

func (s *Store) bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: bootstrap schema: %w", err)
		}
	}
	return nil
}
