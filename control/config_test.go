package control

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/mpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 168, config.Steps)
	assert.Equal(t, 30*time.Second, config.APITimeout)
	assert.Equal(t, []string{"cor", "eas", "nor", "sou", "wes"}, config.Zones)

	topology, err := config.Topology()
	require.NoError(t, err)
	assert.Equal(t, building.DefaultTopology(), topology)
	assert.Equal(t, mpc.DefaultSettings(), config.Settings())
	assert.Equal(t, mpc.DefaultSolverConfig(), config.SolverConfig())
	assert.Equal(t, DefaultPolicy(), config.Policy())
}

func TestLoadConfigFromReader(t *testing.T) {
	input := `{
		"backend_url": "http://boptest:5000",
		"api_timeout": "45s",
		"retry_backoff": "250ms",
		"step": "30m",
		"steps": 12,
		"horizon": 48,
		"zones": ["cor", "sou"],
		"learning_rate": 0.02,
		"bound_mode": "penalty",
		"warm_start": true
	}`

	config, err := LoadConfigFromReader(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "http://boptest:5000", config.BackendURL)
	assert.Equal(t, 45*time.Second, config.APITimeout)
	assert.Equal(t, 250*time.Millisecond, config.RetryBackoff)
	assert.Equal(t, 12, config.Steps)

	topology, err := config.Topology()
	require.NoError(t, err)
	assert.Equal(t, []building.Zone{building.ZoneCore, building.ZoneSouth}, topology.Zones)
	assert.Equal(t, 48, topology.Horizon)
	assert.Equal(t, 30*time.Minute, topology.Step)

	assert.Equal(t, mpc.BoundPenalty, config.SolverConfig().BoundMode)
	assert.InDelta(t, 0.02, config.SolverConfig().LearningRate, 1e-12)
	assert.True(t, config.Policy().WarmStart)

	// unset values keep their defaults
	assert.Equal(t, 3, config.BackendRetries)
	assert.InDelta(t, 10.0, config.ComfortWeight, 1e-12)
}

func TestLoadConfigFromYAML(t *testing.T) {
	input := `
backend_url: http://boptest:5000
api_timeout: 10s
steps: 24
log_format: json
kafka_brokers:
  - kafka-1:9092
  - kafka-2:9092
`
	config, err := LoadConfigFromYAML(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, config.APITimeout)
	assert.Equal(t, 24, config.Steps)
	assert.Equal(t, "json", config.LogFormat)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, config.KafkaBrokers)
	assert.Equal(t, "hvac.control.steps", config.KafkaTopic)

	empty, err := LoadConfigFromYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), empty)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader(`{"api_timeout": "soon"}`))
	assert.Error(t, err)

	_, err = LoadConfigFromReader(strings.NewReader(`{"steps": 0}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps must be at least 1")

	_, err = LoadConfigFromYAML(strings.NewReader("zones: [cor, lobby]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lobby")
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.Steps = 48
	config.RetryBackoff = 2 * time.Second
	config.DryRun = true
	config.WeatherFile = "weather.csv"
	config.KafkaBrokers = []string{"kafka:9092"}

	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, config.SaveConfig(path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, config, loaded)
		})
	}

	var buf bytes.Buffer
	require.NoError(t, config.SaveConfigToWriter(&buf))
	assert.Contains(t, buf.String(), `"retry_backoff": "2s"`)
	assert.Contains(t, buf.String(), `"step": "1h0m0s"`)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"empty backend url", func(c *Config) { c.BackendURL = "" }, "backend_url cannot be empty"},
		{"zero api timeout", func(c *Config) { c.APITimeout = 0 }, "api_timeout must be greater than 0"},
		{"negative retries", func(c *Config) { c.BackendRetries = -1 }, "backend_retries must be non-negative"},
		{"negative backoff", func(c *Config) { c.RetryBackoff = -time.Second }, "retry_backoff must be non-negative"},
		{"negative divergence retries", func(c *Config) { c.DivergenceRetries = -1 }, "divergence_retries must be non-negative"},
		{"unknown zone", func(c *Config) { c.Zones = []string{"attic"} }, "unknown zone"},
		{"zero horizon", func(c *Config) { c.Horizon = 0 }, "horizon"},
		{"inverted temperature bounds", func(c *Config) { c.TempMin = 27 }, "temperature minimum"},
		{"invalid initialization", func(c *Config) { c.Initialization = "random" }, "invalid initialization"},
		{"invalid bound mode", func(c *Config) { c.BoundMode = "barrier" }, "invalid bound mode"},
		{"health port", func(c *Config) { c.HealthCheckPort = 70000 }, "health_check_port"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
		{"latitude", func(c *Config) { c.Latitude = 91 }, "latitude"},
		{"longitude", func(c *Config) { c.Longitude = -181 }, "longitude"},
		{"entsoe area", func(c *Config) { c.EntsoeToken = "token"; c.EntsoeArea = "" }, "entsoe_area"},
		{"kafka topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"}; c.KafkaTopic = "" }, "kafka_topic"},
		{"bms slave id", func(c *Config) { c.BMSSlaveID = 248 }, "bms_slave_id"},
		{"bms register base", func(c *Config) { c.BMSRegisterBase = 65533 }, "bms_register_base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	// dry runs need no backend
	config := DefaultConfig()
	config.BackendURL = ""
	config.DryRun = true
	assert.NoError(t, config.Validate())
}
