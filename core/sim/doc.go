// Package sim runs one concurrent simulation unit per actively moving or
// charging vehicle. A unit interpolates position along straight-line legs,
// drains or charges the battery each tick and persists snapshots through the
// store at configurable intervals. Units are daemon-like: persistence
// failures are retried on the next tick, panics are recovered at the unit
// boundary and the vehicle status is reconciled from the last persisted
// battery level.
//
// The engine guarantees a single writer per vehicle: starting a new unit
// stops and fully retires any prior unit for that vehicle and bumps the
// vehicle's generation tag before the new unit runs.
package sim
