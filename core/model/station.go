package model

import "github.com/evfleet/fleetd/core/geo"

// ChargingStation is a capacity-limited charging location. CurrentCount
// counts vehicles admitted or already en route to the station; it is only
// ever mutated through the store's compare-and-swap reserve/release
// operations.
type ChargingStation struct {
	Code         string
	City         string
	Position     geo.Point
	MaxCapacity  int
	CurrentCount int
}

// HasSlot reports whether the station can admit one more vehicle.
func (s ChargingStation) HasSlot() bool {
	return s.CurrentCount < s.MaxCapacity
}
