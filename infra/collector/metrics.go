package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	assignmentsObserved    *prometheus.CounterVec
	transitionsObserved    *prometheus.CounterVec
	completionsObserved    prometheus.Counter
	chargeSessionsObserved prometheus.Counter
	chargeCostObserved     prometheus.Counter
	campaignEventsObserved *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Counter, *prometheus.CounterVec) {
	asn := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_events_assignments_total",
			Help: "Assignment events observed on the bus by outcome",
		},
		[]string{"outcome"},
	)
	trans := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_events_transitions_total",
			Help: "Vehicle status transitions observed on the bus",
		},
		[]string{"to"},
	)
	compl := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_events_orders_completed_total",
			Help: "Order completion events observed on the bus",
		},
	)
	sessions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_events_charge_sessions_total",
			Help: "Billed charging sessions observed on the bus",
		},
	)
	cost := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_events_charge_cost_total",
			Help: "Accumulated charging cost observed on the bus",
		},
	)
	camp := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_events_campaign_total",
			Help: "Campaign lifecycle events observed on the bus by action",
		},
		[]string{"action"},
	)
	return asn, trans, compl, sessions, cost, camp
}

func init() {
	assignmentsObserved, transitionsObserved, completionsObserved,
		chargeSessionsObserved, chargeCostObserved, campaignEventsObserved = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers collector metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(assignmentsObserved, transitionsObserved, completionsObserved,
		chargeSessionsObserved, chargeCostObserved, campaignEventsObserved)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	assignmentsObserved, transitionsObserved, completionsObserved,
		chargeSessionsObserved, chargeCostObserved, campaignEventsObserved = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
