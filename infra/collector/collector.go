// Package collector drains the event bus and aggregates fleet events into
// Prometheus series and debug logs. Publishers fire and forget; the
// collector is the standing consumer.
package collector

import (
	"github.com/evfleet/fleetd/core/events"
	"github.com/evfleet/fleetd/core/logger"
	"github.com/evfleet/fleetd/internal/eventbus"
)

// Start subscribes to the bus and records events until the bus is closed.
func Start(bus eventbus.EventBus, log logger.Logger) {
	if bus == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for ev := range sub {
			record(ev, log)
		}
	}()
}

func record(ev eventbus.Event, log logger.Logger) {
	switch e := ev.(type) {
	case events.AssignmentEvent:
		outcome := "ok"
		if e.Err != nil {
			outcome = "failed"
		}
		assignmentsObserved.WithLabelValues(outcome).Inc()
	case events.VehicleTransitionEvent:
		transitionsObserved.WithLabelValues(e.To.String()).Inc()
		log.Debugw("vehicle transition", map[string]any{
			"vehicle_id": e.VehicleID,
			"city":       e.City,
			"from":       e.From.String(),
			"to":         e.To.String(),
			"generation": e.Generation,
		})
	case events.OrderCompletedEvent:
		completionsObserved.Inc()
	case events.ChargeEvent:
		chargeSessionsObserved.Inc()
		chargeCostObserved.Add(e.Cost)
	case events.CampaignEvent:
		campaignEventsObserved.WithLabelValues(e.Action).Inc()
	}
}
