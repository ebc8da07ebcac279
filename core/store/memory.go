package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
)

// Memory is an in-memory Fleet implementation. It backs tests and the
// bundled demo; production deployments use the postgres store.
type Memory struct {
	mu       sync.Mutex
	vehicles map[string]model.Vehicle
	orders   map[string]model.Order
	stations map[string]model.ChargingStation
	ledger   []ChargeRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vehicles: map[string]model.Vehicle{},
		orders:   map[string]model.Order{},
		stations: map[string]model.ChargingStation{},
	}
}

// PutVehicle inserts or replaces a vehicle row.
func (m *Memory) PutVehicle(v model.Vehicle) {
	m.mu.Lock()
	m.vehicles[v.ID] = v
	m.mu.Unlock()
}

// PutOrder inserts or replaces an order row.
func (m *Memory) PutOrder(o model.Order) {
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
}

// PutStation inserts or replaces a station row.
func (m *Memory) PutStation(s model.ChargingStation) {
	m.mu.Lock()
	m.stations[s.Code] = s
	m.mu.Unlock()
}

func (m *Memory) Vehicle(_ context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) VehiclesByStatus(_ context.Context, city string, st model.VehicleStatus) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Vehicle
	for _, v := range m.vehicles {
		if v.Status != st {
			continue
		}
		if city != "" && v.City != city {
			continue
		}
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *Memory) SavePosition(_ context.Context, id string, pos geo.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.Position = pos
	m.vehicles[id] = v
	return nil
}

func (m *Memory) SaveBattery(_ context.Context, id string, pct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.BatteryPercent = model.ClampBattery(pct)
	m.vehicles[id] = v
	return nil
}

func (m *Memory) SetStatus(_ context.Context, id string, st model.VehicleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.Status = st
	m.vehicles[id] = v
	return nil
}

func (m *Memory) ClaimVehicle(_ context.Context, id string, from, to model.VehicleStatus, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status != from {
		return ErrVehicleConflict
	}
	v.Status = to
	if generation > v.Generation {
		v.Generation = generation
	}
	m.vehicles[id] = v
	return nil
}

func (m *Memory) FirstWaiting(_ context.Context, city string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.vehicles))
	for id := range m.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := m.vehicles[id]
		if v.Status == model.StatusWaitingToCharge && (city == "" || v.City == city) {
			return v, nil
		}
	}
	return model.Vehicle{}, ErrNotFound
}

func (m *Memory) BumpGeneration(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return 0, ErrNotFound
	}
	v.Generation++
	m.vehicles[id] = v
	return v.Generation, nil
}

func (m *Memory) Order(_ context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) PendingOrders(_ context.Context, city string, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Order
	for _, o := range m.orders {
		if o.Status != model.OrderPending {
			continue
		}
		if city != "" && o.City != city {
			continue
		}
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *Memory) PendingCount(_ context.Context, city string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.Status == model.OrderPending && (city == "" || o.City == city) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClaimOrder(_ context.Context, id, vehicleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != model.OrderPending {
		return ErrOrderNotPending
	}
	o.Status = model.OrderInProgress
	o.VehicleID = vehicleID
	m.orders[id] = o
	return nil
}

func (m *Memory) ReleaseOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status == model.OrderInProgress {
		o.Status = model.OrderPending
		o.VehicleID = ""
		m.orders[id] = o
	}
	return nil
}

func (m *Memory) CompleteOrder(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = model.OrderCompleted
	o.CompletedAt = at
	m.orders[id] = o
	return nil
}

func (m *Memory) Station(_ context.Context, code string) (model.ChargingStation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[code]
	if !ok {
		return model.ChargingStation{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Stations(_ context.Context, city string) ([]model.ChargingStation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.ChargingStation
	for _, s := range m.stations {
		if city != "" && s.City != city {
			continue
		}
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

func (m *Memory) Reserve(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[code]
	if !ok {
		return ErrNotFound
	}
	if s.CurrentCount >= s.MaxCapacity {
		return ErrStationFull
	}
	s.CurrentCount++
	m.stations[code] = s
	return nil
}

func (m *Memory) Release(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[code]
	if !ok {
		return ErrNotFound
	}
	if s.CurrentCount > 0 {
		s.CurrentCount--
	}
	m.stations[code] = s
	return nil
}

func (m *Memory) AppendChargeCost(_ context.Context, rec ChargeRecord) error {
	m.mu.Lock()
	m.ledger = append(m.ledger, rec)
	m.mu.Unlock()
	return nil
}

// ChargeRecords returns a copy of the appended audit records.
func (m *Memory) ChargeRecords() []ChargeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRecord(nil), m.ledger...)
}
