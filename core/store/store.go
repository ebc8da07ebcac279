// Package store defines the narrow persistence boundary of the dispatch
// engine. The authoritative state for vehicles, orders and stations lives
// behind these interfaces; the engine never holds locks across a simulation
// leg and re-reads state at each decision point.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
)

var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVehicleConflict is returned when a status compare-and-swap on a
	// vehicle loses a race with a concurrent writer.
	ErrVehicleConflict = errors.New("store: vehicle status conflict")

	// ErrOrderNotPending is returned when claiming an order that is no
	// longer pending.
	ErrOrderNotPending = errors.New("store: order not pending")

	// ErrStationFull is returned when a capacity reservation would exceed
	// the station's slot count.
	ErrStationFull = errors.New("store: station at capacity")
)

// VehicleStore persists vehicle rows.
type VehicleStore interface {
	Vehicle(ctx context.Context, id string) (model.Vehicle, error)
	// VehiclesByStatus lists vehicles of one city in the given status.
	VehiclesByStatus(ctx context.Context, city string, st model.VehicleStatus) ([]model.Vehicle, error)
	SavePosition(ctx context.Context, id string, pos geo.Point) error
	SaveBattery(ctx context.Context, id string, pct float64) error
	SetStatus(ctx context.Context, id string, st model.VehicleStatus) error
	// ClaimVehicle atomically moves the vehicle from one status to another
	// and stamps the new unit generation. It returns ErrVehicleConflict if
	// the vehicle is not in the expected status anymore.
	ClaimVehicle(ctx context.Context, id string, from, to model.VehicleStatus, generation int64) error
	// FirstWaiting returns one vehicle of the city with status
	// WaitingToCharge, or ErrNotFound.
	FirstWaiting(ctx context.Context, city string) (model.Vehicle, error)
	// BumpGeneration atomically increments and returns the vehicle's unit
	// generation tag.
	BumpGeneration(ctx context.Context, id string) (int64, error)
}

// OrderStore persists ride orders.
type OrderStore interface {
	Order(ctx context.Context, id string) (model.Order, error)
	// PendingOrders returns up to limit oldest pending orders, optionally
	// filtered by city (empty means all cities). A limit of zero or less
	// means no limit.
	PendingOrders(ctx context.Context, city string, limit int) ([]model.Order, error)
	PendingCount(ctx context.Context, city string) (int, error)
	// ClaimOrder atomically moves a pending order to in-progress and binds
	// it to the vehicle. It returns ErrOrderNotPending on a lost race.
	ClaimOrder(ctx context.Context, id, vehicleID string) error
	// ReleaseOrder reverts an in-progress order back to pending, used to
	// compensate a failed assignment commit.
	ReleaseOrder(ctx context.Context, id string) error
	CompleteOrder(ctx context.Context, id string, at time.Time) error
}

// StationStore persists charging stations and guards their capacity
// counters. Reserve and Release must be linearizable: two vehicles racing
// for the last slot must not both succeed.
type StationStore interface {
	Station(ctx context.Context, code string) (model.ChargingStation, error)
	Stations(ctx context.Context, city string) ([]model.ChargingStation, error)
	// Reserve increments the station counter iff a slot is free, returning
	// ErrStationFull otherwise.
	Reserve(ctx context.Context, code string) error
	// Release decrements the station counter, never below zero.
	Release(ctx context.Context, code string) error
}

// ChargeRecord is an audit entry for a completed charging session.
type ChargeRecord struct {
	VehicleID    string
	StationCode  string
	City         string
	PercentAdded float64
	Cost         float64
	RecordedAt   time.Time
}

// Ledger appends expense-style audit records for charging costs.
type Ledger interface {
	AppendChargeCost(ctx context.Context, rec ChargeRecord) error
}

// Fleet bundles every store the engine needs. Implementations: Memory and
// the postgres-backed store in infra/postgres.
type Fleet interface {
	VehicleStore
	OrderStore
	StationStore
	Ledger
}
