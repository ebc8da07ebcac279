package sim

import (
	"context"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evfleet/fleetd/core/charging"
	"github.com/evfleet/fleetd/core/events"
	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/params"
	"github.com/evfleet/fleetd/core/store"
	"github.com/evfleet/fleetd/infra/logger"
	"github.com/evfleet/fleetd/internal/eventbus"
)

// testParams configures a fast simulation: one simulated second per tick,
// one millisecond of wall clock per tick.
func testParams(t *testing.T) *params.Resolver {
	t.Helper()
	k := koanf.New(".")
	for key, v := range map[string]any{
		"sim.base_speed":                   10.0,
		"sim.base_drain_rate":              0.5,
		"sim.base_charge_rate":             5.0,
		"sim.low_battery_threshold":        20.0,
		"sim.step_seconds":                 1.0,
		"sim.tick_interval_seconds":        0.001,
		"sim.charge_tick_interval_seconds": 0.001,
		"sim.pickup_wait_seconds":          0.0,
		"sim.campaign_sleep_seconds":       0.001,
		"sim.campaign_stale_seconds":       60.0,
		"sim.position_persist_every":       5,
		"sim.battery_persist_every":        10,
		"models.default.speed":             1.0,
		"models.default.capacity":          50.0,
		"models.default.charging_speed":    1.0,
		"models.default.energy_consumption": 1.0,
		"models.default.maintenance":       0.1,
		"models.default.price":             30000.0,
		"cities.almaty.price_factor":       1.5,
	} {
		require.NoError(t, k.Set(key, v))
	}
	return params.New(k)
}

func testEngine(t *testing.T, fleet *store.Memory) (*Engine, *charging.Controller) {
	t.Helper()
	return testEngineWith(t, fleet)
}

func testEngineWith(t *testing.T, fleet store.Fleet) (*Engine, *charging.Controller) {
	t.Helper()
	e := NewEngine(fleet, testParams(t), nil, nil, logger.NopLogger{})
	ctrl := charging.NewController(fleet, fleet, logger.NopLogger{})
	e.SetAdmission(ctrl)
	ctrl.SetLegStarter(e)
	t.Cleanup(func() { _ = e.Close() })
	return e, ctrl
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 2*time.Millisecond)
}

func TestTripCompletesAndReturnsIdle(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 0, Y: 0},
		BatteryPercent: 100, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 300, Y: 0}, Dropoff: geo.Point{X: 300, Y: 400},
		CreatedAt: time.Now(),
	})
	e, _ := testEngine(t, fleet)
	ctx := context.Background()

	require.NoError(t, e.StartTrip(ctx, "veh1", "ord1"))
	waitFor(t, func() bool {
		o, _ := fleet.Order(ctx, "ord1")
		return o.Status == model.OrderCompleted
	})
	waitFor(t, func() bool { return e.ActiveUnits() == 0 })

	v, err := fleet.Vehicle(ctx, "veh1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, v.Status)
	assert.Equal(t, geo.Point{X: 300, Y: 400}, v.Position)
	// 300 units to pickup plus 400 to dropoff at 10 units/tick is 70 ticks,
	// each draining 0.5%
	assert.InDelta(t, 65.0, v.BatteryPercent, 1e-6)

	o, err := fleet.Order(ctx, "ord1")
	require.NoError(t, err)
	assert.False(t, o.CompletedAt.IsZero())
}

func TestTripLowBatteryChargesToFull(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 0, Y: 0},
		BatteryPercent: 40, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 300, Y: 0}, Dropoff: geo.Point{X: 300, Y: 400},
		CreatedAt: time.Now(),
	})
	fleet.PutStation(model.ChargingStation{
		Code: "st1", City: "almaty", Position: geo.Point{X: 300, Y: 400}, MaxCapacity: 2,
	})
	e, _ := testEngine(t, fleet)
	ctx := context.Background()

	require.NoError(t, e.StartTrip(ctx, "veh1", "ord1"))
	waitFor(t, func() bool {
		v, _ := fleet.Vehicle(ctx, "veh1")
		return v.Status == model.StatusIdle && v.BatteryPercent >= 100
	})
	waitFor(t, func() bool { return e.ActiveUnits() == 0 })

	// 70 trip ticks drain 35%, the station is at the dropoff so the
	// charging leg itself is free
	records := fleet.ChargeRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "veh1", records[0].VehicleID)
	assert.Equal(t, "st1", records[0].StationCode)
	assert.InDelta(t, 95.0, records[0].PercentAdded, 1e-6)
	assert.InDelta(t, 95.0*50.0*1.5, records[0].Cost, 1e-3)

	st, err := fleet.Station(ctx, "st1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentCount)
}

func TestTripDepletesMidLeg(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 0, Y: 0},
		BatteryPercent: 5, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 900, Y: 0}, Dropoff: geo.Point{X: 900, Y: 900},
		CreatedAt: time.Now(),
	})
	e, _ := testEngine(t, fleet)
	ctx := context.Background()

	require.NoError(t, e.StartTrip(ctx, "veh1", "ord1"))
	waitFor(t, func() bool {
		v, _ := fleet.Vehicle(ctx, "veh1")
		return v.Status == model.StatusDepleted
	})
	waitFor(t, func() bool { return e.ActiveUnits() == 0 })

	v, err := fleet.Vehicle(ctx, "veh1")
	require.NoError(t, err)
	assert.Zero(t, v.BatteryPercent)
	// depletion strands the order, it is never completed
	o, err := fleet.Order(ctx, "ord1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderInProgress, o.Status)
}

func TestChargeLegAtFullBatteryIsFree(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 50, Y: 50},
		BatteryPercent: 100, Status: model.StatusGoingToCharge,
	})
	fleet.PutStation(model.ChargingStation{
		Code: "st1", City: "almaty", Position: geo.Point{X: 50, Y: 50}, MaxCapacity: 1,
	})
	e, _ := testEngine(t, fleet)
	ctx := context.Background()

	// the caller holds the reservation before the leg starts
	require.NoError(t, fleet.Reserve(ctx, "st1"))
	require.NoError(t, e.StartChargeLeg(ctx, "veh1", "st1"))
	waitFor(t, func() bool {
		v, _ := fleet.Vehicle(ctx, "veh1")
		return v.Status == model.StatusIdle
	})
	waitFor(t, func() bool { return e.ActiveUnits() == 0 })

	assert.Empty(t, fleet.ChargeRecords())
	st, err := fleet.Station(ctx, "st1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentCount)
}

func TestWaitingVehiclePromotedWhenSlotFrees(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 10, Y: 10},
		BatteryPercent: 5, Status: model.StatusGoingToCharge,
	})
	fleet.PutVehicle(model.Vehicle{
		ID: "veh2", City: "almaty", Position: geo.Point{X: 12, Y: 10},
		BatteryPercent: 8, Status: model.StatusWaitingToCharge,
	})
	fleet.PutStation(model.ChargingStation{
		Code: "st1", City: "almaty", Position: geo.Point{X: 10, Y: 10}, MaxCapacity: 1,
	})
	e, _ := testEngine(t, fleet)
	ctx := context.Background()

	require.NoError(t, fleet.Reserve(ctx, "st1"))
	require.NoError(t, e.StartChargeLeg(ctx, "veh1", "st1"))

	// veh1 finishes charging, vacates the slot and veh2 is promoted onto it
	waitFor(t, func() bool {
		v1, _ := fleet.Vehicle(ctx, "veh1")
		v2, _ := fleet.Vehicle(ctx, "veh2")
		return v1.Status == model.StatusIdle && v2.Status == model.StatusIdle &&
			v1.BatteryPercent >= 100 && v2.BatteryPercent >= 100
	})
	waitFor(t, func() bool { return e.ActiveUnits() == 0 })

	records := fleet.ChargeRecords()
	require.Len(t, records, 2)
	st, err := fleet.Station(ctx, "st1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentCount)
}

func TestLaunchSupersedesPriorUnit(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 0, Y: 0},
		BatteryPercent: 100, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 999, Y: 999}, Dropoff: geo.Point{X: 0, Y: 999},
		CreatedAt: time.Now(),
	})
	fleet.PutOrder(model.Order{
		ID: "ord2", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 0, Y: 10}, Dropoff: geo.Point{X: 0, Y: 20},
		CreatedAt: time.Now(),
	})
	e, _ := testEngine(t, fleet)
	ctx := context.Background()

	require.NoError(t, e.StartTrip(ctx, "veh1", "ord1"))
	first, ok := e.Unit("veh1")
	require.True(t, ok)
	assert.Equal(t, int64(1), first.Generation)

	require.NoError(t, e.StartTrip(ctx, "veh1", "ord2"))
	// the first unit must be fully retired before the second exists
	select {
	case <-first.Done():
	default:
		t.Fatal("first unit still running after supersede")
	}
	second, ok := e.Unit("veh1")
	require.True(t, ok)
	assert.Equal(t, int64(2), second.Generation)
	assert.Equal(t, 1, e.ActiveUnits())

	waitFor(t, func() bool {
		o, _ := fleet.Order(ctx, "ord2")
		return o.Status == model.OrderCompleted
	})
	o1, _ := fleet.Order(ctx, "ord1")
	assert.Equal(t, model.OrderInProgress, o1.Status)
}

// slowPromotionFleet delays the waiting-vehicle lookup so a dispatcher can
// grab the freshly idle vehicle while the promotion is still in flight.
type slowPromotionFleet struct {
	*store.Memory
	delay time.Duration
}

func (f *slowPromotionFleet) FirstWaiting(ctx context.Context, city string) (model.Vehicle, error) {
	time.Sleep(f.delay)
	return f.Memory.FirstWaiting(ctx, city)
}

func TestStartTripDuringWaitingPromotion(t *testing.T) {
	mem := store.NewMemory()
	mem.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 10, Y: 10},
		BatteryPercent: 99, Status: model.StatusGoingToCharge,
	})
	mem.PutVehicle(model.Vehicle{
		ID: "veh2", City: "almaty", Position: geo.Point{X: 12, Y: 10},
		BatteryPercent: 10, Status: model.StatusWaitingToCharge,
	})
	mem.PutStation(model.ChargingStation{
		Code: "st1", City: "almaty", Position: geo.Point{X: 10, Y: 10}, MaxCapacity: 1,
	})
	mem.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 20, Y: 10}, Dropoff: geo.Point{X: 30, Y: 10},
		CreatedAt: time.Now(),
	})
	fleet := &slowPromotionFleet{Memory: mem, delay: 300 * time.Millisecond}
	e, _ := testEngineWith(t, fleet)
	ctx := context.Background()

	require.NoError(t, mem.Reserve(ctx, "st1"))
	require.NoError(t, e.StartChargeLeg(ctx, "veh1", "st1"))
	waitFor(t, func() bool {
		v, _ := mem.Vehicle(ctx, "veh1")
		return v.Status == model.StatusIdle
	})

	// assign the freshly idle vehicle while its old unit is still promoting
	// the waiting one
	require.NoError(t, mem.SetStatus(ctx, "veh1", model.StatusEnRoute))
	started := make(chan error, 1)
	go func() { started <- e.StartTrip(ctx, "veh1", "ord1") }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("StartTrip blocked behind the waiting-vehicle promotion")
	}

	waitFor(t, func() bool {
		o, _ := mem.Order(ctx, "ord1")
		v2, _ := mem.Vehicle(ctx, "veh2")
		return o.Status == model.OrderCompleted &&
			v2.Status == model.StatusIdle && v2.BatteryPercent >= 100
	})
	waitFor(t, func() bool { return e.ActiveUnits() == 0 })
}

func TestTripPublishesEvents(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 0, Y: 0},
		BatteryPercent: 100, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 10, Y: 0}, Dropoff: geo.Point{X: 20, Y: 0},
		CreatedAt: time.Now(),
	})
	bus := eventbus.New()
	sub := bus.Subscribe()
	e := NewEngine(fleet, testParams(t), nil, bus, logger.NopLogger{})
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.StartTrip(context.Background(), "veh1", "ord1"))

	var completed, wentIdle bool
	deadline := time.After(5 * time.Second)
	for !completed || !wentIdle {
		select {
		case ev := <-sub:
			switch ev := ev.(type) {
			case events.OrderCompletedEvent:
				completed = ev.OrderID == "ord1" && ev.VehicleID == "veh1"
			case events.VehicleTransitionEvent:
				if ev.To == model.StatusIdle {
					wentIdle = true
				}
			}
		case <-deadline:
			t.Fatalf("missing events: completed=%v idle=%v", completed, wentIdle)
		}
	}
}

func TestStartTripAfterCloseFails(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 0, Y: 0},
		BatteryPercent: 100, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 10, Y: 0}, Dropoff: geo.Point{X: 20, Y: 0},
		CreatedAt: time.Now(),
	})
	e, _ := testEngine(t, fleet)

	require.NoError(t, e.Close())
	err := e.StartTrip(context.Background(), "veh1", "ord1")
	require.ErrorIs(t, err, ErrEngineClosed)
	assert.Equal(t, 0, e.ActiveUnits())
}

func TestStartTripUnknownModelFails(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", Model: "ghost", City: "almaty",
		BatteryPercent: 100, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress,
		Pickup: geo.Point{X: 1, Y: 1}, Dropoff: geo.Point{X: 2, Y: 2},
		CreatedAt: time.Now(),
	})
	e, _ := testEngine(t, fleet)

	err := e.StartTrip(context.Background(), "veh1", "ord1")
	var missing *params.MissingParamError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 0, e.ActiveUnits())
}

func TestCloseStopsRunningUnits(t *testing.T) {
	fleet := store.NewMemory()
	fleet.PutVehicle(model.Vehicle{
		ID: "veh1", City: "almaty", Position: geo.Point{X: 0, Y: 0},
		BatteryPercent: 100, Status: model.StatusEnRoute,
	})
	fleet.PutOrder(model.Order{
		ID: "ord1", City: "almaty", Status: model.OrderInProgress, VehicleID: "veh1",
		Pickup: geo.Point{X: 999, Y: 999}, Dropoff: geo.Point{X: 0, Y: 999},
		CreatedAt: time.Now(),
	})
	e, _ := testEngine(t, fleet)

	require.NoError(t, e.StartTrip(context.Background(), "veh1", "ord1"))
	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.ActiveUnits())
}
