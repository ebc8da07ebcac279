package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level service configuration. The raw koanf tree is kept
// around because the parameter resolver reads model coefficients and
// simulation constants straight from it.
type Config struct {
	Store     StoreConfig           `json:"store"`
	API       APIConfig             `json:"api"`
	Metrics   MetricsConfig         `json:"metrics"`
	Telemetry TelemetryConfig       `json:"telemetry"`
	Cities    map[string]CityConfig `json:"cities"`

	k *koanf.Koanf
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `json:"driver"`
	// DSN is the postgres connection string, ignored for the memory driver.
	DSN string `json:"dsn"`
}

// APIConfig configures the exposed web surface.
type APIConfig struct {
	Addr string `json:"addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
}

// TelemetryConfig configures the vehicle snapshot sinks.
type TelemetryConfig struct {
	InfluxEnabled bool   `json:"influx_enabled"`
	InfluxURL     string `json:"influx_url"`
	InfluxToken   string `json:"influx_token"`
	InfluxOrg     string `json:"influx_org"`
	InfluxBucket  string `json:"influx_bucket"`

	MQTTEnabled  bool   `json:"mqtt_enabled"`
	MQTTBroker   string `json:"mqtt_broker"`
	MQTTClientID string `json:"mqtt_client_id"`
}

// CityConfig anchors a city grid and its pricing.
type CityConfig struct {
	OriginLng   float64 `json:"origin_lng"`
	OriginLat   float64 `json:"origin_lat"`
	PriceFactor float64 `json:"price_factor"`
}

// Raw returns the underlying koanf tree for parameter resolution.
func (c *Config) Raw() *koanf.Koanf { return c.k }

// Load reads the configuration file (yaml or json) with optional FLEET_
// environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides. The callback rewrites FLEET_API__ADDR
	// to api.addr, so the provider splits on the dot.
	if err := k.Load(env.Provider("FLEET_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "fleet_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.k = k
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Metrics.PrometheusPort == "" {
		c.Metrics.PrometheusPort = "9090"
	}
	if c.Telemetry.MQTTClientID == "" {
		c.Telemetry.MQTTClientID = "fleetd"
	}
}

// Validate checks mandatory fields.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Telemetry.InfluxEnabled && c.Telemetry.InfluxURL == "" {
		return fmt.Errorf("telemetry.influx_url is required when influx is enabled")
	}
	if c.Telemetry.MQTTEnabled && c.Telemetry.MQTTBroker == "" {
		return fmt.Errorf("telemetry.mqtt_broker is required when mqtt is enabled")
	}
	if len(c.Cities) == 0 {
		return fmt.Errorf("at least one city must be configured")
	}
	return nil
}
