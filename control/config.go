package control

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/mpc"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration for the HVAC controller
type Config struct {
	// Backend settings
	BackendURL     string        `json:"backend_url" yaml:"backend_url"`         // Simulation backend base URL
	APITimeout     time.Duration `json:"api_timeout" yaml:"api_timeout"`         // Timeout for a single backend call
	BackendRetries int           `json:"backend_retries" yaml:"backend_retries"` // Retries of a failed backend call
	RetryBackoff   time.Duration `json:"retry_backoff" yaml:"retry_backoff"`     // First retry delay, doubled per retry
	DryRun         bool          `json:"dry_run" yaml:"dry_run"`                 // Use the in-process simulator instead of the backend

	// Control loop settings
	Steps   int           `json:"steps" yaml:"steps"`     // Number of control steps to run
	Horizon int           `json:"horizon" yaml:"horizon"` // Prediction horizon in steps
	Step    time.Duration `json:"step" yaml:"step"`       // Length of one control step
	Zones   []string      `json:"zones" yaml:"zones"`     // Controlled zones, in variable order

	// Problem settings
	ComfortWeight    float64 `json:"comfort_weight" yaml:"comfort_weight"`       // Weight of the comfort term
	ComfortSetpoint  float64 `json:"comfort_setpoint" yaml:"comfort_setpoint"`   // °C
	TempMin          float64 `json:"temp_min" yaml:"temp_min"`                   // °C
	TempMax          float64 `json:"temp_max" yaml:"temp_max"`                   // °C
	HVACMin          float64 `json:"hvac_min" yaml:"hvac_min"`                   // normalized
	HVACMax          float64 `json:"hvac_max" yaml:"hvac_max"`                   // normalized
	SmoothingEpsilon float64 `json:"smoothing_epsilon" yaml:"smoothing_epsilon"` // Smoothing of |temp - setpoint|
	Initialization   string  `json:"initialization" yaml:"initialization"`       // midpoint, zero

	// Solver settings
	MaxIterations     int     `json:"max_iterations" yaml:"max_iterations"`
	LearningRate      float64 `json:"learning_rate" yaml:"learning_rate"`
	BoundMode         string  `json:"bound_mode" yaml:"bound_mode"` // projected, penalty
	PenaltyWeight     float64 `json:"penalty_weight" yaml:"penalty_weight"`
	Tolerance         float64 `json:"tolerance" yaml:"tolerance"`                   // Gradient-norm early stop, 0 = disabled
	WarmStart         bool    `json:"warm_start" yaml:"warm_start"`                 // Start from the shifted previous solution
	DivergenceRetries int     `json:"divergence_retries" yaml:"divergence_retries"` // Re-solves with halved learning rate

	// Logging settings
	LogLevel  string `json:"log_level" yaml:"log_level"`   // Log level: debug, info, warn, error
	LogFormat string `json:"log_format" yaml:"log_format"` // Log format: text, json

	// Dry-run simulator settings
	WeatherFile string  `json:"weather_file" yaml:"weather_file"` // Optional weather CSV replayed by the simulator
	Latitude    float64 `json:"latitude" yaml:"latitude"`         // Building latitude
	Longitude   float64 `json:"longitude" yaml:"longitude"`       // Building longitude
	PriceFile   string  `json:"price_file" yaml:"price_file"`     // Optional ENTSO-E day-ahead price document replayed by the simulator
	EntsoeToken string  `json:"entsoe_token" yaml:"entsoe_token"` // ENTSO-E security token for live day-ahead prices
	EntsoeArea  string  `json:"entsoe_area" yaml:"entsoe_area"`   // ENTSO-E bidding zone EIC code

	// Advanced settings
	HealthCheckPort int `json:"health_check_port" yaml:"health_check_port"` // Port for status server (0 = disabled)

	// Step record sinks
	PostgresConnString string   `json:"postgres_conn_string" yaml:"postgres_conn_string"` // PostgreSQL connection string
	KafkaBrokers       []string `json:"kafka_brokers" yaml:"kafka_brokers"`               // Kafka brokers for step events
	KafkaTopic         string   `json:"kafka_topic" yaml:"kafka_topic"`                   // Kafka topic for step events

	// Building management gateway
	BMSModbusAddress string `json:"bms_modbus_address" yaml:"bms_modbus_address"` // format: IP:PORT, e.g., "192.168.1.100:502"
	BMSSlaveID       int    `json:"bms_slave_id" yaml:"bms_slave_id"`
	BMSRegisterBase  int    `json:"bms_register_base" yaml:"bms_register_base"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	settings := mpc.DefaultSettings()
	solver := mpc.DefaultSolverConfig()
	topology := building.DefaultTopology()

	zones := make([]string, 0, len(topology.Zones))
	for _, z := range topology.Zones {
		zones = append(zones, string(z))
	}

	return &Config{
		BackendURL:        "http://localhost:5000",
		APITimeout:        30 * time.Second,
		BackendRetries:    3,
		RetryBackoff:      1 * time.Second,
		DryRun:            false,
		Steps:             168, // one week of hourly steps
		Horizon:           topology.Horizon,
		Step:              topology.Step,
		Zones:             zones,
		ComfortWeight:     settings.ComfortWeight,
		ComfortSetpoint:   settings.ComfortSetpoint,
		TempMin:           settings.TempMin,
		TempMax:           settings.TempMax,
		HVACMin:           settings.HVACMin,
		HVACMax:           settings.HVACMax,
		SmoothingEpsilon:  settings.SmoothingEpsilon,
		Initialization:    string(settings.Init),
		MaxIterations:     solver.MaxIterations,
		LearningRate:      solver.LearningRate,
		BoundMode:         string(solver.BoundMode),
		PenaltyWeight:     solver.PenaltyWeight,
		Tolerance:         solver.Tolerance,
		WarmStart:         false,
		DivergenceRetries: 2,
		LogLevel:          "info",
		LogFormat:         "text",
		Latitude:          56.9496, // Riga, Latvia
		Longitude:         24.1052, // Riga, Latvia
		EntsoeArea:        "10YLV-1001A00074",
		HealthCheckPort:   0,
		KafkaTopic:        "hvac.control.steps",
		BMSSlaveID:        1,
		BMSRegisterBase:   40100,
	}
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if isYAML(filename) {
		return LoadConfigFromYAML(file)
	}
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads JSON configuration from an io.Reader
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromYAML loads YAML configuration from an io.Reader
func LoadConfigFromYAML(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if isYAML(filename) {
		return c.SaveConfigToYAML(file)
	}
	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration as JSON to an io.Writer
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}

	return nil
}

// SaveConfigToYAML saves the configuration as YAML to an io.Writer
func (c *Config) SaveConfigToYAML(writer io.Writer) error {
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config YAML: %w", err)
	}

	return nil
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if !c.DryRun && c.BackendURL == "" {
		return fmt.Errorf("backend_url cannot be empty")
	}

	if c.APITimeout <= 0 {
		return fmt.Errorf("api_timeout must be greater than 0, got: %s", c.APITimeout)
	}

	if c.BackendRetries < 0 {
		return fmt.Errorf("backend_retries must be non-negative, got: %d", c.BackendRetries)
	}

	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be non-negative, got: %s", c.RetryBackoff)
	}

	if c.Steps < 1 {
		return fmt.Errorf("steps must be at least 1, got: %d", c.Steps)
	}

	if c.DivergenceRetries < 0 {
		return fmt.Errorf("divergence_retries must be non-negative, got: %d", c.DivergenceRetries)
	}

	if _, err := c.Topology(); err != nil {
		return err
	}

	if err := c.Settings().Validate(); err != nil {
		return err
	}

	if err := c.SolverConfig().Validate(); err != nil {
		return err
	}

	if c.HealthCheckPort < 0 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("health_check_port must be between 0 and 65535, got: %d", c.HealthCheckPort)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}

	// Validate log format
	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}

	// Validate latitude
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", c.Latitude)
	}

	// Validate longitude
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", c.Longitude)
	}

	if c.EntsoeToken != "" && c.EntsoeArea == "" {
		return fmt.Errorf("entsoe_area cannot be empty when entsoe_token is set")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka_topic cannot be empty when kafka_brokers are set")
	}

	if c.BMSSlaveID < 0 || c.BMSSlaveID > 247 {
		return fmt.Errorf("bms_slave_id must be between 0 and 247, got: %d", c.BMSSlaveID)
	}

	if c.BMSRegisterBase < 0 || c.BMSRegisterBase+len(c.Zones) > 65535 {
		return fmt.Errorf("bms_register_base must leave room for %d registers, got: %d", len(c.Zones), c.BMSRegisterBase)
	}

	return nil
}

// Topology returns the building topology described by the configuration
func (c *Config) Topology() (building.Topology, error) {
	zones, err := building.ParseZones(c.Zones)
	if err != nil {
		return building.Topology{}, err
	}
	topology := building.Topology{Zones: zones, Horizon: c.Horizon, Step: c.Step}
	if err := topology.Validate(); err != nil {
		return building.Topology{}, err
	}
	return topology, nil
}

// Settings returns the problem settings described by the configuration
func (c *Config) Settings() mpc.Settings {
	return mpc.Settings{
		ComfortWeight:    c.ComfortWeight,
		ComfortSetpoint:  c.ComfortSetpoint,
		TempMin:          c.TempMin,
		TempMax:          c.TempMax,
		HVACMin:          c.HVACMin,
		HVACMax:          c.HVACMax,
		SmoothingEpsilon: c.SmoothingEpsilon,
		Init:             mpc.Initialization(c.Initialization),
	}
}

// SolverConfig returns the solver settings described by the configuration
func (c *Config) SolverConfig() mpc.SolverConfig {
	solver := mpc.DefaultSolverConfig()
	solver.MaxIterations = c.MaxIterations
	solver.LearningRate = c.LearningRate
	solver.BoundMode = mpc.BoundMode(c.BoundMode)
	solver.PenaltyWeight = c.PenaltyWeight
	solver.Tolerance = c.Tolerance
	return solver
}

// Policy returns the failure policy of the control loop
func (c *Config) Policy() Policy {
	return Policy{
		Steps:             c.Steps,
		APITimeout:        c.APITimeout,
		BackendRetries:    c.BackendRetries,
		RetryBackoff:      c.RetryBackoff,
		DivergenceRetries: c.DivergenceRetries,
		WarmStart:         c.WarmStart,
	}
}

// MarshalJSON implements custom JSON marshaling to handle durations
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		APITimeout   string `json:"api_timeout"`
		RetryBackoff string `json:"retry_backoff"`
		Step         string `json:"step"`
	}{
		Alias:        (*Alias)(c),
		APITimeout:   c.APITimeout.String(),
		RetryBackoff: c.RetryBackoff.String(),
		Step:         c.Step.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to handle durations
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		APITimeout   string `json:"api_timeout"`
		RetryBackoff string `json:"retry_backoff"`
		Step         string `json:"step"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if aux.APITimeout != "" {
		if c.APITimeout, err = time.ParseDuration(aux.APITimeout); err != nil {
			return fmt.Errorf("invalid api_timeout: %w", err)
		}
	}

	if aux.RetryBackoff != "" {
		if c.RetryBackoff, err = time.ParseDuration(aux.RetryBackoff); err != nil {
			return fmt.Errorf("invalid retry_backoff: %w", err)
		}
	}

	if aux.Step != "" {
		if c.Step, err = time.ParseDuration(aux.Step); err != nil {
			return fmt.Errorf("invalid step: %w", err)
		}
	}

	return nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
