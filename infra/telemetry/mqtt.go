package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	coretelemetry "github.com/evfleet/fleetd/core/telemetry"
	"github.com/evfleet/fleetd/infra/logger"
)

// pahoClient is the slice of the Paho client the publisher uses; tests
// substitute a fake.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTConfig defines the connection parameters for the MQTT publisher.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTSink publishes vehicle state to fleet/vehicle/{id}/state and charge
// sessions to fleet/vehicle/{id}/charge. Publishing is fire-and-forget at the
// configured QoS.
type MQTTSink struct {
	cli pahoClient
	qos byte
	log logger.Logger
}

// NewMQTTSink connects to the broker and returns the sink.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	log := logger.New("mqtt-sink")
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &MQTTSink{cli: c, qos: cfg.QoS, log: log}, nil
}

type statePayload struct {
	VehicleID  string  `json:"vehicle_id"`
	City       string  `json:"city"`
	Status     string  `json:"status"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Battery    float64 `json:"battery_percent"`
	Generation int64   `json:"generation"`
	Timestamp  string  `json:"timestamp"`
}

// RecordSnapshot publishes the vehicle state.
func (s *MQTTSink) RecordSnapshot(snap coretelemetry.VehicleSnapshot) error {
	payload, err := json.Marshal(statePayload{
		VehicleID:  snap.VehicleID,
		City:       snap.City,
		Status:     snap.Status.String(),
		X:          snap.Position.X,
		Y:          snap.Position.Y,
		Battery:    snap.Battery,
		Generation: snap.Generation,
		Timestamp:  snap.Time.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.publish(fmt.Sprintf("fleet/vehicle/%s/state", snap.VehicleID), payload)
}

type chargePayload struct {
	VehicleID    string  `json:"vehicle_id"`
	StationCode  string  `json:"station_code"`
	City         string  `json:"city"`
	PercentAdded float64 `json:"percent_added"`
	Cost         float64 `json:"cost"`
	Timestamp    string  `json:"timestamp"`
}

// RecordChargeCost publishes a billed charging session.
func (s *MQTTSink) RecordChargeCost(c coretelemetry.ChargeCost) error {
	payload, err := json.Marshal(chargePayload{
		VehicleID:    c.VehicleID,
		StationCode:  c.StationCode,
		City:         c.City,
		PercentAdded: c.PercentAdded,
		Cost:         c.Cost,
		Timestamp:    c.Time.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.publish(fmt.Sprintf("fleet/vehicle/%s/charge", c.VehicleID), payload)
}

func (s *MQTTSink) publish(topic string, payload []byte) error {
	token := s.cli.Publish(topic, s.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.cli.Disconnect(250)
	return nil
}
