package sim

import "sync/atomic"

// Unit is a handle on one running simulation goroutine. Stop is advisory:
// the goroutine polls the flag at the top of each tick and exits between
// ticks, never mid-write.
type Unit struct {
	VehicleID  string
	Generation int64

	stop atomic.Bool
	done chan struct{}
}

func newUnit(vehicleID string, generation int64) *Unit {
	return &Unit{VehicleID: vehicleID, Generation: generation, done: make(chan struct{})}
}

// Stop requests cooperative termination.
func (u *Unit) Stop() { u.stop.Store(true) }

// Done is closed once the goroutine has fully retired.
func (u *Unit) Done() <-chan struct{} { return u.done }

func (u *Unit) stopped() bool { return u.stop.Load() }
