package sim

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal      *prometheus.CounterVec
	activeUnits     prometheus.Gauge
	tripsCompleted  prometheus.Counter
	depletionsTotal prometheus.Counter
	persistFailures prometheus.Counter
	unitPanics      prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Gauge, prometheus.Counter, prometheus.Counter, prometheus.Counter, prometheus.Counter) {
	ticks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_ticks_total",
			Help: "Simulation ticks executed by phase",
		},
		[]string{"phase"},
	)
	units := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sim_active_units",
			Help: "Number of running simulation units",
		},
	)
	trips := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sim_trips_completed_total",
			Help: "Orders serviced to completion",
		},
	)
	depl := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sim_depletions_total",
			Help: "Vehicles whose battery reached zero mid-leg",
		},
	)
	persist := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sim_persist_failures_total",
			Help: "Snapshot writes that failed and were retried",
		},
	)
	panics := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sim_unit_panics_total",
			Help: "Simulation units terminated by a recovered panic",
		},
	)
	return ticks, units, trips, depl, persist, panics
}

func init() {
	ticksTotal, activeUnits, tripsCompleted, depletionsTotal, persistFailures, unitPanics = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers simulation metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(ticksTotal, activeUnits, tripsCompleted, depletionsTotal, persistFailures, unitPanics)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	ticksTotal, activeUnits, tripsCompleted, depletionsTotal, persistFailures, unitPanics = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
