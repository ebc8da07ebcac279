// Package telemetry defines the sink consumed by simulation units to export
// vehicle snapshots and charging costs. Implementations live in
// infra/telemetry (InfluxDB, MQTT) and are fanned out through MultiSink.
package telemetry

import (
	"time"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
)

// VehicleSnapshot is a point-in-time observation of a simulated vehicle.
type VehicleSnapshot struct {
	VehicleID  string
	City       string
	Status     model.VehicleStatus
	Position   geo.Point
	Battery    float64
	Generation int64
	Time       time.Time
}

// ChargeCost records a billed charging session.
type ChargeCost struct {
	VehicleID    string
	StationCode  string
	City         string
	PercentAdded float64
	Cost         float64
	Time         time.Time
}

// Sink receives simulation telemetry. Implementations must be safe for
// concurrent use; errors are logged by callers and never interrupt a unit.
type Sink interface {
	RecordSnapshot(VehicleSnapshot) error
	RecordChargeCost(ChargeCost) error
	Close() error
}

// NopSink discards all telemetry.
type NopSink struct{}

func (NopSink) RecordSnapshot(VehicleSnapshot) error { return nil }
func (NopSink) RecordChargeCost(ChargeCost) error    { return nil }
func (NopSink) Close() error                         { return nil }

// MultiSink duplicates telemetry to several sinks. The first error is
// returned after all sinks were attempted.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a MultiSink over the given sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) RecordSnapshot(s VehicleSnapshot) error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.RecordSnapshot(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) RecordChargeCost(c ChargeCost) error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.RecordChargeCost(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) Close() error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
