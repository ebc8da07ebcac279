// Package seed generates demo fleets for the in-memory store: vehicles
// scattered over the city grid, pending orders and charging stations.
package seed

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/store"
)

// Config holds parameters for bulk fleet generation.
type Config struct {
	City     string
	Vehicles int
	Orders   int
	Stations int
	// Models to draw vehicle models from; empty means the default model.
	Models []string
	// MinBattery..100 is the initial battery range.
	MinBattery float64
	Seed       int64
}

// Fleet seeds the store with Vehicles vehicles (veh0001..vehNNNN), Orders
// pending orders and Stations charging stations.
func Fleet(m *store.Memory, cfg Config) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	if cfg.MinBattery <= 0 || cfg.MinBattery > 100 {
		cfg.MinBattery = 50
	}

	for i := 0; i < cfg.Vehicles; i++ {
		name := ""
		if len(cfg.Models) > 0 {
			name = cfg.Models[rng.Intn(len(cfg.Models))]
		}
		m.PutVehicle(model.Vehicle{
			ID:             fmt.Sprintf("veh%04d", i+1),
			Model:          name,
			City:           cfg.City,
			Position:       randomPoint(rng),
			BatteryPercent: cfg.MinBattery + rng.Float64()*(100-cfg.MinBattery),
			Status:         model.StatusIdle,
		})
	}

	now := time.Now()
	for i := 0; i < cfg.Orders; i++ {
		m.PutOrder(model.Order{
			ID:        fmt.Sprintf("ord%04d", i+1),
			City:      cfg.City,
			Status:    model.OrderPending,
			Pickup:    randomPoint(rng),
			Dropoff:   randomPoint(rng),
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	for i := 0; i < cfg.Stations; i++ {
		m.PutStation(model.ChargingStation{
			Code:        fmt.Sprintf("st%03d", i+1),
			City:        cfg.City,
			Position:    randomPoint(rng),
			MaxCapacity: 2 + rng.Intn(4),
		})
	}
}

func randomPoint(rng *rand.Rand) geo.Point {
	return geo.Point{
		X: float64(rng.Intn(geo.GridMax + 1)),
		Y: float64(rng.Intn(geo.GridMax + 1)),
	}
}
