package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
store:
  driver: memory
api:
  addr: ":8085"
metrics:
  prometheus_enabled: true
cities:
  almaty:
    origin_lng: 76.88
    origin_lat: 43.23
    price_factor: 1.2
sim:
  base_speed: 10
models:
  default:
    speed: 1.0
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ":8085", cfg.API.Addr)
	assert.True(t, cfg.Metrics.PrometheusEnabled)
	assert.Equal(t, "9090", cfg.Metrics.PrometheusPort) // default
	assert.Equal(t, 1.2, cfg.Cities["almaty"].PriceFactor)

	// the raw tree stays available for the parameter resolver
	require.NotNil(t, cfg.Raw())
	assert.Equal(t, 10.0, cfg.Raw().Float64("sim.base_speed"))
	assert.Equal(t, 1.0, cfg.Raw().Float64("models.default.speed"))
}

func TestLoadUnsupportedFormat(t *testing.T) {
	_, err := Load(writeConfig(t, "config.toml", "x = 1"))
	require.Error(t, err)
}

func TestValidateStoreDriver(t *testing.T) {
	_, err := Load(writeConfig(t, "bad.yaml", `
store:
  driver: cassandra
cities:
  almaty:
    price_factor: 1
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "nodsn.yaml", `
store:
  driver: postgres
cities:
  almaty:
    price_factor: 1
`))
	require.Error(t, err)
}

func TestValidateRequiresCity(t *testing.T) {
	_, err := Load(writeConfig(t, "nocity.yaml", `
store:
  driver: memory
`))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLEET_API__ADDR", ":9999")
	t.Setenv("FLEET_STORE__DRIVER", "memory")
	cfg, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	// overrides must land in the nested tree the resolver reads
	assert.Equal(t, ":9999", cfg.Raw().String("api.addr"))
}
