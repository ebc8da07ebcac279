// Package telemetry implements the vehicle telemetry sinks: an InfluxDB
// writer for time-series dashboards and an MQTT publisher streaming live
// vehicle state.
package telemetry

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coretelemetry "github.com/evfleet/fleetd/core/telemetry"
	"github.com/evfleet/fleetd/infra/logger"
)

// InfluxSink writes vehicle snapshots and charge costs to an InfluxDB
// instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// if the health check fails, so a dead dashboard never blocks dispatching.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coretelemetry.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coretelemetry.NopSink{}
	}
	return sink
}

// RecordSnapshot writes a vehicle state point.
func (s *InfluxSink) RecordSnapshot(snap coretelemetry.VehicleSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("vehicle_state").
		AddTag("vehicle_id", snap.VehicleID).
		AddTag("city", snap.City).
		AddTag("status", snap.Status.String()).
		AddField("x", round3(snap.Position.X)).
		AddField("y", round3(snap.Position.Y)).
		AddField("battery_percent", round3(snap.Battery)).
		AddField("generation", snap.Generation).
		SetTime(snap.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordChargeCost writes a billed charging session.
func (s *InfluxSink) RecordChargeCost(c coretelemetry.ChargeCost) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("charge_session").
		AddTag("vehicle_id", c.VehicleID).
		AddTag("station_code", c.StationCode).
		AddTag("city", c.City).
		AddField("percent_added", round3(c.PercentAdded)).
		AddField("cost", round3(c.Cost)).
		SetTime(c.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close shuts down the underlying client.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
