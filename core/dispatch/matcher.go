// Package dispatch matches pending ride orders to idle vehicles and runs
// long-lived auto-assign campaigns. All commits go through the store's
// compare-and-swap operations so a lost race fails closed without mutating
// either side.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evfleet/fleetd/core/events"
	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/logger"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/params"
	"github.com/evfleet/fleetd/core/store"
	"github.com/evfleet/fleetd/internal/eventbus"
)

var (
	// ErrNoEligibleVehicle is returned when no idle vehicle exists in the
	// order's city.
	ErrNoEligibleVehicle = errors.New("dispatch: no eligible vehicle")

	// ErrInvalidRoute is returned when an order carries coordinates outside
	// the city grid.
	ErrInvalidRoute = errors.New("dispatch: order route outside city grid")
)

// UnitStarter launches the simulation unit servicing a freshly committed
// assignment. Implemented by *sim.Engine.
type UnitStarter interface {
	StartTrip(ctx context.Context, vehicleID, orderID string) error
}

// Assignment is the successful outcome of AssignOne.
type Assignment struct {
	OrderID   string `json:"order_id"`
	VehicleID string `json:"vehicle_id"`
}

// BatchFailure is a per-item failure inside AssignBatch.
type BatchFailure struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`

	err error
}

// Unwrap exposes the underlying error for errors.Is branching.
func (f BatchFailure) Unwrap() error { return f.err }

// BatchResult accumulates per-item outcomes of a batch assignment.
type BatchResult struct {
	Successful []Assignment   `json:"successful"`
	Failed     []BatchFailure `json:"failed"`
}

// Matcher finds the nearest eligible idle vehicle for pending orders.
type Matcher struct {
	fleet  store.Fleet
	params *params.Resolver
	sim    UnitStarter
	bus    eventbus.EventBus
	log    logger.Logger
}

// NewMatcher creates a Matcher. bus may be nil.
func NewMatcher(fleet store.Fleet, resolver *params.Resolver, sim UnitStarter, bus eventbus.EventBus, log logger.Logger) (*Matcher, error) {
	if fleet == nil || resolver == nil || sim == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewMatcher")
	}
	return &Matcher{fleet: fleet, params: resolver, sim: sim, bus: bus, log: log}, nil
}

// AssignOne matches the pending order to the nearest idle vehicle of its
// city and starts the simulation unit. It fails closed: a lost race on
// either the vehicle or the order leaves both unchanged.
func (m *Matcher) AssignOne(ctx context.Context, orderID string) (Assignment, error) {
	o, err := m.fleet.Order(ctx, orderID)
	if err != nil {
		return Assignment{}, m.fail(orderID, err)
	}
	if o.Status != model.OrderPending {
		return Assignment{}, m.fail(orderID, store.ErrOrderNotPending)
	}
	if !o.HasValidRoute() {
		return Assignment{}, m.fail(orderID, ErrInvalidRoute)
	}

	v, err := m.nearestIdle(ctx, o.City, o.Pickup)
	if err != nil {
		return Assignment{}, m.fail(orderID, err)
	}

	// model coefficients must resolve before any mutation; a missing
	// coefficient aborts the assignment entirely
	if _, err := m.params.Model(v.Model); err != nil {
		return Assignment{}, m.fail(orderID, err)
	}

	if err := m.fleet.ClaimVehicle(ctx, v.ID, model.StatusIdle, model.StatusEnRoute, v.Generation); err != nil {
		return Assignment{}, m.fail(orderID, err)
	}
	if err := m.fleet.ClaimOrder(ctx, o.ID, v.ID); err != nil {
		if rerr := m.fleet.SetStatus(ctx, v.ID, model.StatusIdle); rerr != nil {
			m.log.Errorf("revert vehicle %s after lost order claim: %v", v.ID, rerr)
		}
		return Assignment{}, m.fail(orderID, err)
	}
	if err := m.sim.StartTrip(ctx, v.ID, o.ID); err != nil {
		if rerr := m.fleet.ReleaseOrder(ctx, o.ID); rerr != nil {
			m.log.Errorf("revert order %s after failed unit start: %v", o.ID, rerr)
		}
		if rerr := m.fleet.SetStatus(ctx, v.ID, model.StatusIdle); rerr != nil {
			m.log.Errorf("revert vehicle %s after failed unit start: %v", v.ID, rerr)
		}
		return Assignment{}, m.fail(orderID, err)
	}

	assignmentsTotal.WithLabelValues("success").Inc()
	m.log.Infof("assigned order %s to vehicle %s", o.ID, v.ID)
	if m.bus != nil {
		m.bus.Publish(events.AssignmentEvent{OrderID: o.ID, VehicleID: v.ID, Time: time.Now()})
	}
	return Assignment{OrderID: o.ID, VehicleID: v.ID}, nil
}

// AssignBatch applies AssignOne to each order in input order, accumulating
// per-item outcomes. stop is a cooperative cancellation check consulted
// before each item; a nil stop never cancels.
func (m *Matcher) AssignBatch(ctx context.Context, orderIDs []string, stop func() bool) BatchResult {
	var res BatchResult
	for _, id := range orderIDs {
		if stop != nil && stop() {
			return res
		}
		asn, err := m.AssignOne(ctx, id)
		if err != nil {
			res.Failed = append(res.Failed, BatchFailure{OrderID: id, Reason: err.Error(), err: err})
			continue
		}
		res.Successful = append(res.Successful, asn)
	}
	return res
}

// NearestIdle exposes the matcher's vehicle search for the web surface.
func (m *Matcher) NearestIdle(ctx context.Context, city string, pos geo.Point) (model.Vehicle, error) {
	return m.nearestIdle(ctx, city, pos)
}

func (m *Matcher) nearestIdle(ctx context.Context, city string, pos geo.Point) (model.Vehicle, error) {
	idle, err := m.fleet.VehiclesByStatus(ctx, city, model.StatusIdle)
	if err != nil {
		return model.Vehicle{}, err
	}
	var (
		best     model.Vehicle
		bestDist float64
		found    bool
	)
	for _, v := range idle {
		d := geo.Distance(pos, v.Position)
		if !found || d < bestDist {
			best, bestDist, found = v, d, true
		}
	}
	if !found {
		return model.Vehicle{}, ErrNoEligibleVehicle
	}
	return best, nil
}

func (m *Matcher) fail(orderID string, err error) error {
	assignmentsTotal.WithLabelValues("failed").Inc()
	if m.bus != nil {
		m.bus.Publish(events.AssignmentEvent{OrderID: orderID, Err: err, Time: time.Now()})
	}
	return err
}
