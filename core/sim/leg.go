package sim

import (
	"context"
	"errors"
	"time"

	"github.com/evfleet/fleetd/core/events"
	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/store"
	"github.com/evfleet/fleetd/core/telemetry"
	"github.com/evfleet/fleetd/internal/eventbus"
)

// vehState is the unit-local view of the vehicle. While the unit runs it is
// the single writer of position and battery; the store copy may lag by the
// configured persist intervals.
type vehState struct {
	pos     geo.Point
	battery float64
	city    string
	status  model.VehicleStatus
}

type legOutcome int

const (
	legArrived legOutcome = iota
	legStopped
	legDepleted
)

// runTrip services one assigned order: vehicle→pickup, wait, pickup→dropoff,
// then battery evaluation.
func (e *Engine) runTrip(u *Unit, v model.Vehicle, o model.Order, en env) {
	ctx := context.Background()
	st := &vehState{pos: v.Position, battery: v.BatteryPercent, city: v.City, status: v.Status}

	if out := e.travel(ctx, u, st, o.Pickup, "to_pickup", en); out != legArrived {
		if out == legDepleted {
			e.deplete(ctx, u, st, "")
		}
		return
	}
	if !e.pause(u, en.sim.PickupWait) {
		return
	}
	if out := e.travel(ctx, u, st, o.Dropoff, "to_dropoff", en); out != legArrived {
		if out == legDepleted {
			e.deplete(ctx, u, st, "")
		}
		return
	}

	now := time.Now()
	if err := e.fleet.CompleteOrder(ctx, o.ID, now); err != nil {
		e.log.Errorf("complete order %s: %v", o.ID, err)
	} else {
		tripsCompleted.Inc()
		e.publish(events.OrderCompletedEvent{OrderID: o.ID, VehicleID: u.VehicleID, Time: now})
	}

	e.afterTrip(ctx, u, st, en)
}

// afterTrip evaluates the battery at the end of a serviced order and either
// returns the vehicle to the idle pool or sends it charging.
func (e *Engine) afterTrip(ctx context.Context, u *Unit, st *vehState, en env) {
	if st.battery >= en.sim.LowBatteryThreshold {
		e.transition(ctx, u, st, model.StatusIdle)
		return
	}
	adm := e.admissionController()
	if adm == nil {
		e.transition(ctx, u, st, model.StatusWaitingToCharge)
		return
	}
	station, err := adm.FindNearestAvailable(ctx, st.pos, st.city)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warnf("station lookup for %s: %v", u.VehicleID, err)
		}
		e.transition(ctx, u, st, model.StatusWaitingToCharge)
		return
	}
	if err := adm.Reserve(ctx, station.Code); err != nil {
		// lost the race for the last slot
		e.transition(ctx, u, st, model.StatusWaitingToCharge)
		return
	}
	e.transition(ctx, u, st, model.StatusGoingToCharge)
	e.runChargeJourney(u, st, station, en)
}

// runChargeJourney moves the vehicle to its reserved station and charges it.
// The reservation is held for the whole journey and always released.
func (e *Engine) runChargeJourney(u *Unit, st *vehState, station model.ChargingStation, en env) {
	ctx := context.Background()
	adm := e.admissionController()
	switch e.travel(ctx, u, st, station.Position, "to_station", en) {
	case legStopped:
		// superseded or shutting down: free the slot, do not promote anyone
		if adm != nil {
			if err := adm.Release(ctx, station.Code); err != nil {
				e.log.Errorf("release %s after stop: %v", station.Code, err)
			}
		}
		return
	case legDepleted:
		e.deplete(ctx, u, st, station.Code)
		return
	}
	e.charge(ctx, u, st, station, en)
}

// charge raises the battery to 100%, bills the session and frees the slot.
// A vehicle already at 100% goes straight back to idle with no cost.
func (e *Engine) charge(ctx context.Context, u *Unit, st *vehState, station model.ChargingStation, en env) {
	e.transition(ctx, u, st, model.StatusCharging)
	start := st.battery

	ticker := time.NewTicker(en.sim.ChargeTickInterval)
	defer ticker.Stop()
	tick := 0
	dirty := false
	for st.battery < 100 {
		if u.stopped() || e.closed() {
			break
		}
		select {
		case <-e.quit:
		case <-ticker.C:
		}
		tick++
		st.battery = model.ClampBattery(st.battery + en.sim.BaseChargeRate*en.sim.StepSeconds*en.model.ChargingSpeed)
		ticksTotal.WithLabelValues("charging").Inc()
		if tick%en.sim.BatteryPersistEach == 0 || dirty || st.battery >= 100 {
			dirty = e.persistBattery(ctx, u, st)
		}
	}

	adm := e.admissionController()
	stoppedEarly := st.battery < 100

	if added := st.battery - start; added > 0 {
		e.persistBattery(ctx, u, st)
		cost := added * en.model.Capacity * en.cityPrice
		rec := store.ChargeRecord{
			VehicleID:    u.VehicleID,
			StationCode:  station.Code,
			City:         st.city,
			PercentAdded: added,
			Cost:         cost,
			RecordedAt:   time.Now(),
		}
		if err := e.fleet.AppendChargeCost(ctx, rec); err != nil {
			e.log.Errorf("append charge cost for %s: %v", u.VehicleID, err)
		}
		if err := e.sink.RecordChargeCost(telemetry.ChargeCost{
			VehicleID:    rec.VehicleID,
			StationCode:  rec.StationCode,
			City:         rec.City,
			PercentAdded: rec.PercentAdded,
			Cost:         rec.Cost,
			Time:         rec.RecordedAt,
		}); err != nil {
			e.log.Warnf("charge telemetry for %s: %v", u.VehicleID, err)
		}
		e.publish(events.ChargeEvent{
			VehicleID:    rec.VehicleID,
			StationCode:  rec.StationCode,
			PercentAdded: rec.PercentAdded,
			Cost:         rec.Cost,
			Time:         rec.RecordedAt,
		})
	}

	if !stoppedEarly {
		e.transition(ctx, u, st, model.StatusIdle)
	}
	if adm != nil {
		if err := adm.Release(ctx, station.Code); err != nil {
			e.log.Errorf("release %s: %v", station.Code, err)
		}
		if !stoppedEarly {
			if err := adm.NotifyNextWaiting(ctx, st.city, station.Code); err != nil {
				e.log.Errorf("notify next waiting in %s: %v", st.city, err)
			}
		}
	}
}

// travel interpolates toward dest one tick at a time. Persistence failures
// mark the state dirty and are retried on the next tick.
func (e *Engine) travel(ctx context.Context, u *Unit, st *vehState, dest geo.Point, phase string, en env) legOutcome {
	ticker := time.NewTicker(en.sim.TickInterval)
	defer ticker.Stop()

	step := en.sim.BaseSpeed * en.model.Speed * en.sim.StepSeconds
	drain := en.sim.BaseDrainRate * en.sim.StepSeconds * en.model.EnergyConsumption

	// zero-distance leg: no time passes, no battery is drained
	if st.pos == dest {
		e.persistPosition(ctx, u, st)
		e.snapshot(u, st)
		return legArrived
	}

	tick := 0
	dirtyPos, dirtyBat := false, false
	for {
		if u.stopped() || e.closed() {
			e.persistPosition(ctx, u, st)
			e.persistBattery(ctx, u, st)
			return legStopped
		}
		select {
		case <-e.quit:
			return legStopped
		case <-ticker.C:
		}
		tick++
		var arrived bool
		st.pos, arrived = geo.StepToward(st.pos, dest, step)
		st.battery = model.ClampBattery(st.battery - drain)
		ticksTotal.WithLabelValues(phase).Inc()

		if st.battery <= 0 {
			e.persistPosition(ctx, u, st)
			e.persistBattery(ctx, u, st)
			return legDepleted
		}
		if arrived {
			e.persistPosition(ctx, u, st)
			e.persistBattery(ctx, u, st)
			e.snapshot(u, st)
			return legArrived
		}
		if tick%en.sim.PositionPersistEach == 0 || dirtyPos {
			dirtyPos = e.persistPosition(ctx, u, st)
			if !dirtyPos {
				e.snapshot(u, st)
			}
		}
		if tick%en.sim.BatteryPersistEach == 0 || dirtyBat {
			dirtyBat = e.persistBattery(ctx, u, st)
		}
	}
}

// deplete handles a battery that hit zero mid-leg. Any held reservation is
// given back and, if the vehicle was bound for a station, one waiting
// vehicle is promoted onto the vacated slot.
func (e *Engine) deplete(ctx context.Context, u *Unit, st *vehState, stationCode string) {
	depletionsTotal.Inc()
	e.transition(ctx, u, st, model.StatusDepleted)
	if stationCode == "" {
		return
	}
	adm := e.admissionController()
	if adm == nil {
		return
	}
	if err := adm.Release(ctx, stationCode); err != nil {
		e.log.Errorf("release %s after depletion: %v", stationCode, err)
		return
	}
	if err := adm.NotifyNextWaiting(ctx, st.city, stationCode); err != nil {
		e.log.Errorf("notify next waiting in %s: %v", st.city, err)
	}
}

// pause waits the fixed pickup delay, polling the stop flag. It reports
// whether the unit may continue.
func (e *Engine) pause(u *Unit, d time.Duration) bool {
	if d <= 0 {
		return !u.stopped() && !e.closed()
	}
	select {
	case <-e.quit:
		return false
	case <-time.After(d):
	}
	return !u.stopped()
}

// persistPosition writes the current position; it reports whether the write
// failed and needs a retry.
func (e *Engine) persistPosition(ctx context.Context, u *Unit, st *vehState) bool {
	if err := e.fleet.SavePosition(ctx, u.VehicleID, st.pos); err != nil {
		persistFailures.Inc()
		e.log.Warnf("persist position for %s: %v", u.VehicleID, err)
		return true
	}
	return false
}

func (e *Engine) persistBattery(ctx context.Context, u *Unit, st *vehState) bool {
	if err := e.fleet.SaveBattery(ctx, u.VehicleID, st.battery); err != nil {
		persistFailures.Inc()
		e.log.Warnf("persist battery for %s: %v", u.VehicleID, err)
		return true
	}
	return false
}

// transition persists a status change and emits the matching event and
// telemetry snapshot.
func (e *Engine) transition(ctx context.Context, u *Unit, st *vehState, to model.VehicleStatus) {
	from := st.status
	if from != "" && !from.CanTransition(to) {
		e.log.Errorf("illegal transition %s -> %s for %s", from, to, u.VehicleID)
	}
	if err := e.fleet.SetStatus(ctx, u.VehicleID, to); err != nil {
		e.log.Errorf("set status %s for %s: %v", to, u.VehicleID, err)
	}
	st.status = to
	e.persistBattery(ctx, u, st)
	e.publish(events.VehicleTransitionEvent{
		VehicleID:  u.VehicleID,
		City:       st.city,
		From:       from,
		To:         to,
		Generation: u.Generation,
		Time:       time.Now(),
	})
	e.snapshot(u, st)
}

func (e *Engine) snapshot(u *Unit, st *vehState) {
	err := e.sink.RecordSnapshot(telemetry.VehicleSnapshot{
		VehicleID:  u.VehicleID,
		City:       st.city,
		Status:     st.status,
		Position:   st.pos,
		Battery:    st.battery,
		Generation: u.Generation,
		Time:       time.Now(),
	})
	if err != nil {
		e.log.Warnf("telemetry for %s: %v", u.VehicleID, err)
	}
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
