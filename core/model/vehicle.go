package model

import (
	"fmt"

	"github.com/evfleet/fleetd/core/geo"
)

// VehicleStatus enumerates the lifecycle states of a fleet vehicle.
type VehicleStatus string

const (
	StatusIdle            VehicleStatus = "idle"
	StatusEnRoute         VehicleStatus = "en_route"
	StatusGoingToCharge   VehicleStatus = "going_to_charge"
	StatusWaitingToCharge VehicleStatus = "waiting_to_charge"
	StatusCharging        VehicleStatus = "charging"
	StatusDepleted        VehicleStatus = "depleted"
	StatusMaintenance     VehicleStatus = "maintenance"
)

func (s VehicleStatus) String() string { return string(s) }

// vehicleEdges lists the allowed status transitions. Anything else is a
// programming error and is rejected by CanTransition.
var vehicleEdges = map[VehicleStatus][]VehicleStatus{
	StatusIdle:            {StatusEnRoute, StatusMaintenance, StatusWaitingToCharge},
	StatusEnRoute:         {StatusIdle, StatusGoingToCharge, StatusWaitingToCharge, StatusDepleted},
	StatusGoingToCharge:   {StatusCharging, StatusWaitingToCharge, StatusDepleted},
	StatusWaitingToCharge: {StatusGoingToCharge},
	StatusCharging:        {StatusIdle},
	StatusDepleted:        {StatusMaintenance, StatusCharging, StatusWaitingToCharge},
	StatusMaintenance:     {StatusIdle},
}

// CanTransition reports whether moving from s to next is a declared edge.
func (s VehicleStatus) CanTransition(next VehicleStatus) bool {
	for _, n := range vehicleEdges[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Vehicle is a shared-fleet EV tracked on a city's local grid.
//
// While a simulation unit is active for the vehicle, that unit is the single
// writer of Position and BatteryPercent. Generation increases every time a
// new unit supersedes a prior one.
type Vehicle struct {
	ID             string
	Model          string
	City           string
	Position       geo.Point
	BatteryPercent float64 // 0..100
	Status         VehicleStatus
	Generation     int64
}

// Validate checks the vehicle record is internally consistent.
func (v Vehicle) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("vehicle id must not be empty")
	}
	if v.BatteryPercent < 0 || v.BatteryPercent > 100 {
		return fmt.Errorf("battery percent %v out of range", v.BatteryPercent)
	}
	if !v.Position.InGrid() {
		return fmt.Errorf("position %+v outside city grid", v.Position)
	}
	return nil
}

// Assignable reports whether the vehicle may receive a new order.
func (v Vehicle) Assignable() bool {
	return v.Status == StatusIdle
}

// ClampBattery returns pct clamped to the valid [0,100] range.
func ClampBattery(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
