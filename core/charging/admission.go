// Package charging arbitrates access to the capacity-limited charging
// infrastructure shared by all vehicles. Reservation and release go through
// the store's compare-and-swap counter operations; this is the one place
// where a read-then-write race would be a correctness bug.
package charging

import (
	"context"
	"errors"
	"sync"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/logger"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/store"
)

// ErrNoStation is returned when no station of the city has spare capacity.
var ErrNoStation = errors.New("charging: no station with spare capacity")

// LegStarter launches a simulation leg toward a charging station. It is
// implemented by the simulation engine; the indirection keeps this package
// free of a dependency cycle with core/sim.
type LegStarter interface {
	StartChargeLeg(ctx context.Context, vehicleID, stationCode string) error
}

// Controller is the charging admission controller.
type Controller struct {
	vehicles store.VehicleStore
	stations store.StationStore
	log      logger.Logger

	mu      sync.Mutex
	starter LegStarter
}

// NewController creates a Controller over the given stores.
func NewController(vehicles store.VehicleStore, stations store.StationStore, log logger.Logger) *Controller {
	return &Controller{vehicles: vehicles, stations: stations, log: log}
}

// SetLegStarter wires the simulation engine used to move promoted vehicles
// toward their station.
func (c *Controller) SetLegStarter(s LegStarter) {
	c.mu.Lock()
	c.starter = s
	c.mu.Unlock()
}

func (c *Controller) legStarter() LegStarter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starter
}

// FindNearestAvailable returns the geometrically nearest station of the city
// that still has a free slot, or ErrNoStation.
func (c *Controller) FindNearestAvailable(ctx context.Context, pos geo.Point, city string) (model.ChargingStation, error) {
	stations, err := c.stations.Stations(ctx, city)
	if err != nil {
		return model.ChargingStation{}, err
	}
	var (
		best     model.ChargingStation
		bestDist float64
		found    bool
	)
	for _, st := range stations {
		if !st.HasSlot() {
			continue
		}
		d := geo.Distance(pos, st.Position)
		if !found || d < bestDist {
			best, bestDist, found = st, d, true
		}
	}
	if !found {
		return model.ChargingStation{}, ErrNoStation
	}
	return best, nil
}

// Reserve claims one slot at the station. Capacity is reserved at dispatch
// time, not on arrival, so a vehicle en route already holds its slot.
func (c *Controller) Reserve(ctx context.Context, code string) error {
	err := c.stations.Reserve(ctx, code)
	switch {
	case err == nil:
		reservationsTotal.WithLabelValues("granted").Inc()
	case errors.Is(err, store.ErrStationFull):
		reservationsTotal.WithLabelValues("denied").Inc()
	}
	return err
}

// Release frees one slot at the station.
func (c *Controller) Release(ctx context.Context, code string) error {
	if err := c.stations.Release(ctx, code); err != nil {
		return err
	}
	releasesTotal.Inc()
	return nil
}

// NotifyNextWaiting promotes one WaitingToCharge vehicle of the city onto
// the slot just vacated at the station. A nil return with no promotion means
// no vehicle was waiting or another racer took the slot; both are expected.
func (c *Controller) NotifyNextWaiting(ctx context.Context, city, stationCode string) error {
	v, err := c.vehicles.FirstWaiting(ctx, city)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.Reserve(ctx, stationCode); err != nil {
		if errors.Is(err, store.ErrStationFull) {
			return nil
		}
		return err
	}
	if err := c.vehicles.ClaimVehicle(ctx, v.ID, model.StatusWaitingToCharge, model.StatusGoingToCharge, v.Generation); err != nil {
		if rerr := c.Release(ctx, stationCode); rerr != nil {
			c.log.Errorf("release after lost claim on %s: %v", v.ID, rerr)
		}
		if errors.Is(err, store.ErrVehicleConflict) {
			return nil
		}
		return err
	}
	starter := c.legStarter()
	if starter == nil {
		// no engine wired: undo the promotion so the vehicle is not stranded
		if err := c.vehicles.SetStatus(ctx, v.ID, model.StatusWaitingToCharge); err != nil {
			c.log.Errorf("revert promotion of %s: %v", v.ID, err)
		}
		return c.Release(ctx, stationCode)
	}
	if err := starter.StartChargeLeg(ctx, v.ID, stationCode); err != nil {
		c.log.Errorf("start charge leg for %s: %v", v.ID, err)
		if serr := c.vehicles.SetStatus(ctx, v.ID, model.StatusWaitingToCharge); serr != nil {
			c.log.Errorf("revert promotion of %s: %v", v.ID, serr)
		}
		return c.Release(ctx, stationCode)
	}
	promotionsTotal.Inc()
	c.log.Infof("promoted %s to station %s", v.ID, stationCode)
	return nil
}
