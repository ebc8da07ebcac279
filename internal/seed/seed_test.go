package seed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/store"
)

func TestFleetSeedsValidRecords(t *testing.T) {
	mem := store.NewMemory()
	Fleet(mem, Config{
		City:       "almaty",
		Vehicles:   25,
		Orders:     10,
		Stations:   3,
		Models:     []string{"compact", "van"},
		MinBattery: 60,
		Seed:       42,
	})
	ctx := context.Background()

	idle, err := mem.VehiclesByStatus(ctx, "almaty", model.StatusIdle)
	require.NoError(t, err)
	require.Len(t, idle, 25)
	for _, v := range idle {
		require.NoError(t, v.Validate())
		assert.GreaterOrEqual(t, v.BatteryPercent, 60.0)
		assert.Contains(t, []string{"compact", "van"}, v.Model)
	}

	pending, err := mem.PendingOrders(ctx, "almaty", 0)
	require.NoError(t, err)
	require.Len(t, pending, 10)
	for _, o := range pending {
		assert.True(t, o.HasValidRoute())
	}

	stations, err := mem.Stations(ctx, "almaty")
	require.NoError(t, err)
	require.Len(t, stations, 3)
	for _, st := range stations {
		assert.Positive(t, st.MaxCapacity)
		assert.Zero(t, st.CurrentCount)
	}
}

func TestFleetDeterministicWithSeed(t *testing.T) {
	a, b := store.NewMemory(), store.NewMemory()
	cfg := Config{City: "almaty", Vehicles: 5, Orders: 5, Stations: 2, Seed: 7}
	Fleet(a, cfg)
	Fleet(b, cfg)

	ctx := context.Background()
	va, _ := a.VehiclesByStatus(ctx, "almaty", model.StatusIdle)
	vb, _ := b.VehiclesByStatus(ctx, "almaty", model.StatusIdle)
	assert.Equal(t, va, vb)
}
