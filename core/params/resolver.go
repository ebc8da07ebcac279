// Package params resolves per-model coefficients and global simulation
// constants from the configuration store. Every value is required: a missing
// key is a fatal configuration error, never a silent default, because the
// cost and physics calculations downstream would silently corrupt financial
// data otherwise.
package params

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// DefaultModel is the model block consulted when no model name is given.
const DefaultModel = "default"

// MissingParamError reports a required configuration key that does not
// exist. Callers treat it as fatal for the operation that needed it.
type MissingParamError struct {
	Key string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("params: required key %q missing from configuration", e.Key)
}

// ModelParams are the per-vehicle-model coefficients applied on top of the
// global simulation constants. A snapshot is immutable once fetched.
type ModelParams struct {
	Speed             float64
	Capacity          float64
	ChargingSpeed     float64
	EnergyConsumption float64
	Maintenance       float64
	Price             float64
}

// SimParams are the global simulation constants. A snapshot is immutable
// once fetched; callers re-fetch only on explicit refresh.
type SimParams struct {
	BaseSpeed           float64 // grid units per simulated second
	BaseDrainRate       float64 // battery percent per simulated second
	BaseChargeRate      float64 // battery percent per simulated second
	LowBatteryThreshold float64 // percent below which a vehicle seeks a charger
	StepSeconds         float64 // simulated seconds advanced per tick
	TickInterval        time.Duration
	ChargeTickInterval  time.Duration
	PickupWait          time.Duration
	PositionPersistEach int // persist position every N ticks
	BatteryPersistEach  int // persist battery every N ticks
	CampaignSleep       time.Duration
	CampaignStaleAfter  time.Duration
}

// Resolver looks up simulation parameters in a koanf configuration tree.
type Resolver struct {
	k *koanf.Koanf
}

// New creates a Resolver over the given configuration tree.
func New(k *koanf.Koanf) *Resolver {
	return &Resolver{k: k}
}

func (r *Resolver) float(key string) (float64, error) {
	if !r.k.Exists(key) {
		return 0, &MissingParamError{Key: key}
	}
	return r.k.Float64(key), nil
}

func (r *Resolver) integer(key string) (int, error) {
	if !r.k.Exists(key) {
		return 0, &MissingParamError{Key: key}
	}
	return r.k.Int(key), nil
}

func (r *Resolver) duration(key string) (time.Duration, error) {
	v, err := r.float(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(v * float64(time.Second)), nil
}

// Model resolves the coefficient set of the given vehicle model. An empty
// name resolves the system-wide default block.
func (r *Resolver) Model(name string) (ModelParams, error) {
	if name == "" {
		name = DefaultModel
	}
	prefix := "models." + name + "."
	var (
		p   ModelParams
		err error
	)
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{prefix + "speed", &p.Speed},
		{prefix + "capacity", &p.Capacity},
		{prefix + "charging_speed", &p.ChargingSpeed},
		{prefix + "energy_consumption", &p.EnergyConsumption},
		{prefix + "maintenance", &p.Maintenance},
		{prefix + "price", &p.Price},
	} {
		if *f.dst, err = r.float(f.key); err != nil {
			return ModelParams{}, err
		}
	}
	return p, nil
}

// Defaults resolves the global simulation constants.
func (r *Resolver) Defaults() (SimParams, error) {
	var (
		p   SimParams
		err error
	)
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"sim.base_speed", &p.BaseSpeed},
		{"sim.base_drain_rate", &p.BaseDrainRate},
		{"sim.base_charge_rate", &p.BaseChargeRate},
		{"sim.low_battery_threshold", &p.LowBatteryThreshold},
		{"sim.step_seconds", &p.StepSeconds},
	} {
		if *f.dst, err = r.float(f.key); err != nil {
			return SimParams{}, err
		}
	}
	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{"sim.tick_interval_seconds", &p.TickInterval},
		{"sim.charge_tick_interval_seconds", &p.ChargeTickInterval},
		{"sim.pickup_wait_seconds", &p.PickupWait},
		{"sim.campaign_sleep_seconds", &p.CampaignSleep},
		{"sim.campaign_stale_seconds", &p.CampaignStaleAfter},
	} {
		if *f.dst, err = r.duration(f.key); err != nil {
			return SimParams{}, err
		}
	}
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"sim.position_persist_every", &p.PositionPersistEach},
		{"sim.battery_persist_every", &p.BatteryPersistEach},
	} {
		if *f.dst, err = r.integer(f.key); err != nil {
			return SimParams{}, err
		}
	}
	if err := p.validate(); err != nil {
		return SimParams{}, err
	}
	return p, nil
}

// CityPriceFactor resolves the city-specific charging price factor.
func (r *Resolver) CityPriceFactor(city string) (float64, error) {
	return r.float("cities." + city + ".price_factor")
}

func (p SimParams) validate() error {
	if p.BaseSpeed <= 0 {
		return fmt.Errorf("params: sim.base_speed must be positive")
	}
	if p.StepSeconds <= 0 {
		return fmt.Errorf("params: sim.step_seconds must be positive")
	}
	if p.PositionPersistEach <= 0 || p.BatteryPersistEach <= 0 {
		return fmt.Errorf("params: persist intervals must be positive")
	}
	return nil
}
