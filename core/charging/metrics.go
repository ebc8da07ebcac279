package charging

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reservationsTotal *prometheus.CounterVec
	releasesTotal     prometheus.Counter
	promotionsTotal   prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter, prometheus.Counter) {
	res := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charging_reservations_total",
			Help: "Station slot reservation attempts by outcome",
		},
		[]string{"outcome"},
	)
	rel := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "charging_releases_total",
			Help: "Number of station slots released",
		},
	)
	prom := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "charging_waiting_promotions_total",
			Help: "Number of waiting vehicles promoted onto a freed slot",
		},
	)
	return res, rel, prom
}

func init() {
	reservationsTotal, releasesTotal, promotionsTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers charging metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(reservationsTotal, releasesTotal, promotionsTotal)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	reservationsTotal, releasesTotal, promotionsTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
