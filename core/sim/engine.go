package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/logger"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/params"
	"github.com/evfleet/fleetd/core/store"
	"github.com/evfleet/fleetd/core/telemetry"
	"github.com/evfleet/fleetd/internal/eventbus"
)

// Admission is the slice of the charging admission controller the engine
// consumes. Implemented by *charging.Controller; declared here to keep the
// dependency direction one-way.
type Admission interface {
	FindNearestAvailable(ctx context.Context, pos geo.Point, city string) (model.ChargingStation, error)
	Reserve(ctx context.Context, code string) error
	Release(ctx context.Context, code string) error
	NotifyNextWaiting(ctx context.Context, city, stationCode string) error
}

// ErrEngineClosed is returned when a launch is attempted after Close.
var ErrEngineClosed = errors.New("sim: engine closed")

// Engine owns the registry of running simulation units.
type Engine struct {
	fleet  store.Fleet
	params *params.Resolver
	sink   telemetry.Sink
	bus    eventbus.EventBus
	log    logger.Logger

	mu        sync.Mutex
	units     map[string]*Unit
	launching map[string]*sync.Mutex
	admission Admission

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an Engine. sink and bus may be nil.
func NewEngine(fleet store.Fleet, resolver *params.Resolver, sink telemetry.Sink, bus eventbus.EventBus, log logger.Logger) *Engine {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Engine{
		fleet:     fleet,
		params:    resolver,
		sink:      sink,
		bus:       bus,
		log:       log,
		units:     make(map[string]*Unit),
		launching: make(map[string]*sync.Mutex),
		quit:      make(chan struct{}),
	}
}

// SetAdmission wires the charging admission controller.
func (e *Engine) SetAdmission(a Admission) {
	e.mu.Lock()
	e.admission = a
	e.mu.Unlock()
}

func (e *Engine) admissionController() Admission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admission
}

// Unit returns the running unit for the vehicle, if any.
func (e *Engine) Unit(vehicleID string) (*Unit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[vehicleID]
	return u, ok
}

// ActiveUnits returns the number of registered units.
func (e *Engine) ActiveUnits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// StartTrip launches a simulation unit servicing the order with the vehicle.
// The caller must already have committed the vehicle to EnRoute and the
// order to InProgress.
func (e *Engine) StartTrip(ctx context.Context, vehicleID, orderID string) error {
	v, err := e.fleet.Vehicle(ctx, vehicleID)
	if err != nil {
		return fmt.Errorf("sim: load vehicle %s: %w", vehicleID, err)
	}
	o, err := e.fleet.Order(ctx, orderID)
	if err != nil {
		return fmt.Errorf("sim: load order %s: %w", orderID, err)
	}
	env, err := e.resolve(v)
	if err != nil {
		return err
	}
	_, err = e.launch(ctx, v, env, func(u *Unit) {
		e.runTrip(u, v, o, env)
	})
	return err
}

// StartChargeLeg launches a unit moving the vehicle toward the station. The
// caller must already hold the station reservation and have committed the
// vehicle to GoingToCharge.
func (e *Engine) StartChargeLeg(ctx context.Context, vehicleID, stationCode string) error {
	v, err := e.fleet.Vehicle(ctx, vehicleID)
	if err != nil {
		return fmt.Errorf("sim: load vehicle %s: %w", vehicleID, err)
	}
	st, err := e.fleet.Station(ctx, stationCode)
	if err != nil {
		return fmt.Errorf("sim: load station %s: %w", stationCode, err)
	}
	env, err := e.resolve(v)
	if err != nil {
		return err
	}
	_, err = e.launch(ctx, v, env, func(u *Unit) {
		state := &vehState{pos: v.Position, battery: v.BatteryPercent, city: v.City, status: v.Status}
		e.runChargeJourney(u, state, st, env)
	})
	return err
}

// env bundles the immutable parameter snapshot a unit runs with. It is
// fetched once at launch; a missing key aborts the whole start operation.
type env struct {
	sim       params.SimParams
	model     params.ModelParams
	cityPrice float64
}

func (e *Engine) resolve(v model.Vehicle) (env, error) {
	sp, err := e.params.Defaults()
	if err != nil {
		return env{}, err
	}
	mp, err := e.params.Model(v.Model)
	if err != nil {
		return env{}, err
	}
	price, err := e.params.CityPriceFactor(v.City)
	if err != nil {
		return env{}, err
	}
	return env{sim: sp, model: mp, cityPrice: price}, nil
}

// launchLock returns the per-vehicle launch mutex, creating it on first use.
// Launches are serialized per vehicle, never globally: a finishing charge
// unit promotes the next waiting vehicle from inside its own goroutine, and
// that launch may overlap a dispatcher claiming the vehicle that just went
// idle.
func (e *Engine) launchLock(vehicleID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.launching[vehicleID]
	if !ok {
		l = &sync.Mutex{}
		e.launching[vehicleID] = l
	}
	return l
}

func (e *Engine) launch(ctx context.Context, v model.Vehicle, en env, run func(*Unit)) (*Unit, error) {
	l := e.launchLock(v.ID)
	l.Lock()
	defer l.Unlock()

	if e.closed() {
		return nil, ErrEngineClosed
	}

	e.mu.Lock()
	prev := e.units[v.ID]
	e.mu.Unlock()
	if prev != nil {
		prev.Stop()
		<-prev.Done()
	}

	gen, err := e.fleet.BumpGeneration(ctx, v.ID)
	if err != nil {
		return nil, fmt.Errorf("sim: bump generation for %s: %w", v.ID, err)
	}
	u := newUnit(v.ID, gen)

	// registration and wg.Add happen under the same lock Close takes before
	// wg.Wait, so a unit is either stopped by Close or rejected here
	e.mu.Lock()
	if e.closed() {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.units[v.ID] = u
	e.wg.Add(1)
	e.mu.Unlock()

	activeUnits.Inc()
	go func() {
		defer e.wg.Done()
		defer close(u.done)
		defer e.retire(u)
		defer activeUnits.Dec()
		defer func() {
			if r := recover(); r != nil {
				unitPanics.Inc()
				e.log.Errorf("unit %s (gen %d) panicked: %v", u.VehicleID, u.Generation, r)
				e.reconcile(u.VehicleID, en.sim.LowBatteryThreshold)
			}
		}()
		run(u)
	}()
	return u, nil
}

func (e *Engine) retire(u *Unit) {
	e.mu.Lock()
	if e.units[u.VehicleID] == u {
		delete(e.units, u.VehicleID)
	}
	e.mu.Unlock()
}

// reconcile restores a sane vehicle status after a recovered panic, based on
// the last persisted battery level.
func (e *Engine) reconcile(vehicleID string, threshold float64) {
	ctx := context.Background()
	v, err := e.fleet.Vehicle(ctx, vehicleID)
	if err != nil {
		e.log.Errorf("reconcile %s: %v", vehicleID, err)
		return
	}
	target := model.StatusIdle
	if v.BatteryPercent < threshold {
		target = model.StatusWaitingToCharge
	}
	if err := e.fleet.SetStatus(ctx, vehicleID, target); err != nil {
		e.log.Errorf("reconcile %s to %s: %v", vehicleID, target, err)
		return
	}
	e.log.Warnf("reconciled %s to %s after unit failure", vehicleID, target)
}

func (e *Engine) closed() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

// Close stops every unit cooperatively and waits for them to retire.
func (e *Engine) Close() error {
	e.quitOnce.Do(func() { close(e.quit) })
	e.mu.Lock()
	for _, u := range e.units {
		u.Stop()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
