// Package postgres implements the fleet store on PostgreSQL via pgx. All
// race-sensitive operations (vehicle claims, station counters) are single
// conditional UPDATE statements so the database provides the linearizable
// compare-and-swap the engine relies on.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/store"
)

// Store implements store.Fleet on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool, verifies connectivity and bootstraps the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) Vehicle(ctx context.Context, id string) (model.Vehicle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, model, city, pos_x, pos_y, battery_percent, status, generation
		FROM vehicles WHERE id = $1`, id)
	return scanVehicle(row)
}

func (s *Store) VehiclesByStatus(ctx context.Context, city string, st model.VehicleStatus) ([]model.Vehicle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, model, city, pos_x, pos_y, battery_percent, status, generation
		FROM vehicles
		WHERE status = $1 AND ($2 = '' OR city = $2)
		ORDER BY id`, string(st), city)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (s *Store) SavePosition(ctx context.Context, id string, pos geo.Point) error {
	return s.exec1(ctx, `UPDATE vehicles SET pos_x = $2, pos_y = $3 WHERE id = $1`, id, pos.X, pos.Y)
}

func (s *Store) SaveBattery(ctx context.Context, id string, pct float64) error {
	return s.exec1(ctx, `
		UPDATE vehicles SET battery_percent = LEAST(100, GREATEST(0, $2::double precision))
		WHERE id = $1`, id, pct)
}

func (s *Store) SetStatus(ctx context.Context, id string, st model.VehicleStatus) error {
	return s.exec1(ctx, `UPDATE vehicles SET status = $2 WHERE id = $1`, id, string(st))
}

func (s *Store) ClaimVehicle(ctx context.Context, id string, from, to model.VehicleStatus, generation int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vehicles SET status = $3, generation = GREATEST(generation, $4)
		WHERE id = $1 AND status = $2`, id, string(from), string(to), generation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Vehicle(ctx, id); err != nil {
			return err
		}
		return store.ErrVehicleConflict
	}
	return nil
}

func (s *Store) FirstWaiting(ctx context.Context, city string) (model.Vehicle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, model, city, pos_x, pos_y, battery_percent, status, generation
		FROM vehicles
		WHERE status = $1 AND ($2 = '' OR city = $2)
		ORDER BY id LIMIT 1`, string(model.StatusWaitingToCharge), city)
	return scanVehicle(row)
}

func (s *Store) BumpGeneration(ctx context.Context, id string) (int64, error) {
	var gen int64
	err := s.pool.QueryRow(ctx, `
		UPDATE vehicles SET generation = generation + 1 WHERE id = $1
		RETURNING generation`, id).Scan(&gen)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return gen, err
}

func (s *Store) Order(ctx context.Context, id string) (model.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, city, status, pickup_x, pickup_y, dropoff_x, dropoff_y,
		       COALESCE(vehicle_id, ''), created_at, completed_at
		FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *Store) PendingOrders(ctx context.Context, city string, limit int) ([]model.Order, error) {
	if limit < 0 {
		limit = 0
	}
	// limit 0 means unbounded, NULLIF turns it into LIMIT NULL
	rows, err := s.pool.Query(ctx, `
		SELECT id, city, status, pickup_x, pickup_y, dropoff_x, dropoff_y,
		       COALESCE(vehicle_id, ''), created_at, completed_at
		FROM orders
		WHERE status = $1 AND ($2 = '' OR city = $2)
		ORDER BY created_at, id LIMIT NULLIF($3, 0)`, string(model.OrderPending), city, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (s *Store) PendingCount(ctx context.Context, city string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE status = $1 AND ($2 = '' OR city = $2)`, string(model.OrderPending), city).Scan(&n)
	return n, err
}

func (s *Store) ClaimOrder(ctx context.Context, id, vehicleID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $3, vehicle_id = $2
		WHERE id = $1 AND status = $4`,
		id, vehicleID, string(model.OrderInProgress), string(model.OrderPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Order(ctx, id); err != nil {
			return err
		}
		return store.ErrOrderNotPending
	}
	return nil
}

func (s *Store) ReleaseOrder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $2, vehicle_id = NULL
		WHERE id = $1 AND status = $3`,
		id, string(model.OrderPending), string(model.OrderInProgress))
	return err
}

func (s *Store) CompleteOrder(ctx context.Context, id string, at time.Time) error {
	return s.exec1(ctx, `
		UPDATE orders SET status = $2, completed_at = $3 WHERE id = $1`,
		id, string(model.OrderCompleted), at)
}

func (s *Store) Station(ctx context.Context, code string) (model.ChargingStation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT code, city, pos_x, pos_y, max_capacity, current_count
		FROM charging_stations WHERE code = $1`, code)
	return scanStation(row)
}

func (s *Store) Stations(ctx context.Context, city string) ([]model.ChargingStation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT code, city, pos_x, pos_y, max_capacity, current_count
		FROM charging_stations
		WHERE $1 = '' OR city = $1
		ORDER BY code`, city)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.ChargingStation
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// Reserve is the admission-control primitive: the conditional UPDATE makes
// the capacity check and the increment one atomic statement.
func (s *Store) Reserve(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE charging_stations SET current_count = current_count + 1
		WHERE code = $1 AND current_count < max_capacity`, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Station(ctx, code); err != nil {
			return err
		}
		return store.ErrStationFull
	}
	return nil
}

func (s *Store) Release(ctx context.Context, code string) error {
	return s.exec1(ctx, `
		UPDATE charging_stations SET current_count = GREATEST(0, current_count - 1)
		WHERE code = $1`, code)
}

func (s *Store) AppendChargeCost(ctx context.Context, rec store.ChargeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO charge_ledger (vehicle_id, station_code, city, percent_added, cost, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.VehicleID, rec.StationCode, rec.City, rec.PercentAdded, rec.Cost, rec.RecordedAt)
	return err
}

// PutVehicle upserts a vehicle row. Used by seeding and tests.
func (s *Store) PutVehicle(ctx context.Context, v model.Vehicle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vehicles (id, model, city, pos_x, pos_y, battery_percent, status, generation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			model = EXCLUDED.model, city = EXCLUDED.city,
			pos_x = EXCLUDED.pos_x, pos_y = EXCLUDED.pos_y,
			battery_percent = EXCLUDED.battery_percent,
			status = EXCLUDED.status, generation = EXCLUDED.generation`,
		v.ID, v.Model, v.City, v.Position.X, v.Position.Y, v.BatteryPercent, string(v.Status), v.Generation)
	return err
}

// PutOrder upserts an order row. Used by seeding and tests.
func (s *Store) PutOrder(ctx context.Context, o model.Order) error {
	var completed *time.Time
	if !o.CompletedAt.IsZero() {
		completed = &o.CompletedAt
	}
	var vehicle *string
	if o.VehicleID != "" {
		vehicle = &o.VehicleID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, city, status, pickup_x, pickup_y, dropoff_x, dropoff_y, vehicle_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, vehicle_id = EXCLUDED.vehicle_id,
			completed_at = EXCLUDED.completed_at`,
		o.ID, o.City, string(o.Status), o.Pickup.X, o.Pickup.Y, o.Dropoff.X, o.Dropoff.Y, vehicle, o.CreatedAt, completed)
	return err
}

// PutStation upserts a station row. Used by seeding and tests.
func (s *Store) PutStation(ctx context.Context, st model.ChargingStation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO charging_stations (code, city, pos_x, pos_y, max_capacity, current_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			max_capacity = EXCLUDED.max_capacity, current_count = EXCLUDED.current_count`,
		st.Code, st.City, st.Position.X, st.Position.Y, st.MaxCapacity, st.CurrentCount)
	return err
}

func (s *Store) exec1(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row scanner) (model.Vehicle, error) {
	var (
		v      model.Vehicle
		status string
	)
	err := row.Scan(&v.ID, &v.Model, &v.City, &v.Position.X, &v.Position.Y, &v.BatteryPercent, &status, &v.Generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Vehicle{}, store.ErrNotFound
	}
	if err != nil {
		return model.Vehicle{}, err
	}
	v.Status = model.VehicleStatus(status)
	return v, nil
}

func scanOrder(row scanner) (model.Order, error) {
	var (
		o         model.Order
		status    string
		completed *time.Time
	)
	err := row.Scan(&o.ID, &o.City, &status, &o.Pickup.X, &o.Pickup.Y, &o.Dropoff.X, &o.Dropoff.Y, &o.VehicleID, &o.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, store.ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	o.Status = model.OrderStatus(status)
	if completed != nil {
		o.CompletedAt = *completed
	}
	return o, nil
}

func scanStation(row scanner) (model.ChargingStation, error) {
	var st model.ChargingStation
	err := row.Scan(&st.Code, &st.City, &st.Position.X, &st.Position.Y, &st.MaxCapacity, &st.CurrentCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChargingStation{}, store.ErrNotFound
	}
	return st, err
}
