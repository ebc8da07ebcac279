package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	assignmentsTotal *prometheus.CounterVec
	campaignsRunning prometheus.Gauge
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Gauge) {
	asn := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_assignments_total",
			Help: "Assignment attempts by outcome",
		},
		[]string{"outcome"},
	)
	camp := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_campaigns_running",
			Help: "Number of running auto-assign campaigns",
		},
	)
	return asn, camp
}

func init() {
	assignmentsTotal, campaignsRunning = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(assignmentsTotal, campaignsRunning)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	assignmentsTotal, campaignsRunning = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
