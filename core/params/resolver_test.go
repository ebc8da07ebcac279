package params

import (
	"errors"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree(t *testing.T) *koanf.Koanf {
	t.Helper()
	k := koanf.New(".")
	values := map[string]any{
		"sim.base_speed":                      10.0,
		"sim.base_drain_rate":                 0.5,
		"sim.base_charge_rate":                2.0,
		"sim.low_battery_threshold":           20.0,
		"sim.step_seconds":                    1.0,
		"sim.tick_interval_seconds":           1.0,
		"sim.charge_tick_interval_seconds":    5.0,
		"sim.pickup_wait_seconds":             2.0,
		"sim.campaign_sleep_seconds":          0.5,
		"sim.campaign_stale_seconds":          60.0,
		"sim.position_persist_every":          1,
		"sim.battery_persist_every":           5,
		"models.default.speed":                1.0,
		"models.default.capacity":             1.0,
		"models.default.charging_speed":       1.0,
		"models.default.energy_consumption":   1.0,
		"models.default.maintenance":          1.0,
		"models.default.price":                1.0,
		"models.scooter-v2.speed":             1.5,
		"models.scooter-v2.capacity":          1.2,
		"models.scooter-v2.charging_speed":    2.0,
		"models.scooter-v2.energy_consumption": 0.8,
		"models.scooter-v2.maintenance":       1.1,
		"models.scooter-v2.price":             1.3,
		"cities.almaty.price_factor":          1.25,
	}
	for key, v := range values {
		require.NoError(t, k.Set(key, v))
	}
	return k
}

func TestModelParams(t *testing.T) {
	r := New(testTree(t))
	p, err := r.Model("scooter-v2")
	require.NoError(t, err)
	assert.Equal(t, 1.5, p.Speed)
	assert.Equal(t, 0.8, p.EnergyConsumption)
	assert.Equal(t, 1.3, p.Price)
}

func TestModelFallsBackToDefaultBlock(t *testing.T) {
	r := New(testTree(t))
	p, err := r.Model("")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Speed)
}

func TestMissingModelIsFatal(t *testing.T) {
	r := New(testTree(t))
	_, err := r.Model("hoverboard")
	require.Error(t, err)
	var missing *MissingParamError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "models.hoverboard.speed", missing.Key)
}

func TestMissingConstantIsFatal(t *testing.T) {
	k := testTree(t)
	require.NoError(t, k.Set("sim.base_drain_rate", nil))
	k2 := koanf.New(".")
	// rebuild without the drain rate key
	for _, key := range k.Keys() {
		if key == "sim.base_drain_rate" {
			continue
		}
		require.NoError(t, k2.Set(key, k.Get(key)))
	}
	_, err := New(k2).Defaults()
	var missing *MissingParamError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "sim.base_drain_rate", missing.Key)
}

func TestDefaults(t *testing.T) {
	r := New(testTree(t))
	p, err := r.Defaults()
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.BaseSpeed)
	assert.Equal(t, time.Second, p.TickInterval)
	assert.Equal(t, 5*time.Second, p.ChargeTickInterval)
	assert.Equal(t, 500*time.Millisecond, p.CampaignSleep)
	assert.Equal(t, 5, p.BatteryPersistEach)
}

func TestCityPriceFactor(t *testing.T) {
	r := New(testTree(t))
	f, err := r.CityPriceFactor("almaty")
	require.NoError(t, err)
	assert.Equal(t, 1.25, f)

	_, err = r.CityPriceFactor("atlantis")
	var missing *MissingParamError
	require.True(t, errors.As(err, &missing))
}
