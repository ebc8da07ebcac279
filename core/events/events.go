// Package events defines the fleet events emitted on the event bus.
//
// Available event types:
//   - AssignmentEvent: dispatch matcher decision for one order
//   - VehicleTransitionEvent: vehicle status change from a simulation unit
//   - OrderCompletedEvent: order serviced to completion
//   - ChargeEvent: charging session finished and billed
//   - CampaignEvent: batch campaign started, progressed or completed
package events

import (
	"time"

	"github.com/evfleet/fleetd/core/model"
)

// AssignmentEvent is published for each assignment attempt.
type AssignmentEvent struct {
	OrderID   string
	VehicleID string
	Err       error
	Time      time.Time
}

// VehicleTransitionEvent is published when a simulation unit moves a vehicle
// between statuses.
type VehicleTransitionEvent struct {
	VehicleID  string
	City       string
	From       model.VehicleStatus
	To         model.VehicleStatus
	Generation int64
	Time       time.Time
}

// OrderCompletedEvent is published when a unit finishes the dropoff leg.
type OrderCompletedEvent struct {
	OrderID   string
	VehicleID string
	Time      time.Time
}

// ChargeEvent is published when a charging session ends.
type ChargeEvent struct {
	VehicleID    string
	StationCode  string
	PercentAdded float64
	Cost         float64
	Time         time.Time
}

// CampaignEvent reflects batch campaign progress. Action is "started",
// "progress" or "completed".
type CampaignEvent struct {
	CampaignID string
	Action     string
	Campaign   model.Campaign
	Time       time.Time
}
