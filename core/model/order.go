package model

import (
	"time"

	"github.com/evfleet/fleetd/core/geo"
)

// OrderStatus enumerates the lifecycle states of a ride order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) String() string { return string(s) }

// Order is a ride request. It is created Pending by the booking surface,
// claimed by the dispatch matcher and completed by the simulation unit that
// serviced it.
type Order struct {
	ID          string
	City        string
	Status      OrderStatus
	Pickup      geo.Point
	Dropoff     geo.Point
	VehicleID   string // empty until assigned
	CreatedAt   time.Time
	CompletedAt time.Time // zero until completed
}

// HasValidRoute reports whether pickup and dropoff lie inside the city grid.
func (o Order) HasValidRoute() bool {
	return o.Pickup.InGrid() && o.Dropoff.InGrid()
}
