package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultNaimPort is the HTTP API port of Naim streamers.
const DefaultNaimPort = 15081

// Config is the root configuration structure for the Naim bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Naim      NaimConfig      `yaml:"naim"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// NaimConfig contains settings for the Naim device bridge.
// Durations are in seconds.
type NaimConfig struct {
	RequestTimeout int `yaml:"request_timeout"`
	PollInterval   int `yaml:"poll_interval"`
	ErrorBackoff   int `yaml:"error_backoff"`
	VolumeStep     int `yaml:"volume_step"`

	// Retries re-issues idempotent GETs after connection errors.
	// 0 keeps the single-attempt behaviour.
	Retries int `yaml:"retries"`

	// CommandRate and CommandBurst bound commands per device per second.
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`

	HealthInterval int `yaml:"health_interval"`

	Events  NaimEventsConfig   `yaml:"events"`
	Devices []NaimDeviceConfig `yaml:"devices"`
}

// NaimEventsConfig controls the WebSocket push channel.
type NaimEventsConfig struct {
	Enabled          bool `yaml:"enabled"`
	Reconnect        bool `yaml:"reconnect"`
	ReconnectInitial int  `yaml:"reconnect_initial"`
	ReconnectMax     int  `yaml:"reconnect_max"`
}

// NaimDeviceConfig seeds one device into the registry on first start.
type NaimDeviceConfig struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	Address           string `yaml:"address"`
	Port              int    `yaml:"port"`
	Enabled           *bool  `yaml:"enabled"`
	StandbyMonitoring bool   `yaml:"standby_monitoring"`
}

// IsEnabled reports whether the device is enabled. Devices are enabled
// unless explicitly disabled.
func (d NaimDeviceConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_NAIM_POLL_INTERVAL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/naimbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-naim",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8081,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Naim: NaimConfig{
			RequestTimeout: 10,
			PollInterval:   5,
			ErrorBackoff:   30,
			VolumeStep:     3,
			Retries:        0,
			CommandRate:    10,
			CommandBurst:   5,
			HealthInterval: 30,
			Events: NaimEventsConfig{
				Enabled:          false,
				Reconnect:        false,
				ReconnectInitial: 5,
				ReconnectMax:     60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("GRAYLOGIC_API_PORT"); ok {
		cfg.API.Port = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Naim
	if v, ok := envInt("GRAYLOGIC_NAIM_POLL_INTERVAL"); ok {
		cfg.Naim.PollInterval = v
	}
	if v, ok := envInt("GRAYLOGIC_NAIM_REQUEST_TIMEOUT"); ok {
		cfg.Naim.RequestTimeout = v
	}
	if v := os.Getenv("GRAYLOGIC_NAIM_EVENTS_ENABLED"); v != "" {
		cfg.Naim.Events.Enabled = v == "true" || v == "1"
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// applyDeviceDefaults fills per-device defaults that YAML cannot express.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Naim.Devices {
		d := &c.Naim.Devices[i]
		if d.Port == 0 {
			d.Port = DefaultNaimPort
		}
		if d.Name == "" {
			d.Name = d.ID
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Naim validation
	if c.Naim.RequestTimeout < 1 {
		errs = append(errs, "naim.request_timeout must be at least 1 second")
	}
	if c.Naim.PollInterval < 1 {
		errs = append(errs, "naim.poll_interval must be at least 1 second")
	}
	if c.Naim.ErrorBackoff < 0 {
		errs = append(errs, "naim.error_backoff must not be negative")
	}
	if c.Naim.VolumeStep < 1 || c.Naim.VolumeStep > 100 {
		errs = append(errs, "naim.volume_step must be between 1 and 100")
	}
	if c.Naim.Retries < 0 {
		errs = append(errs, "naim.retries must not be negative")
	}
	if c.Naim.CommandRate < 0 {
		errs = append(errs, "naim.command_rate must not be negative")
	}
	if c.Naim.Events.ReconnectMax < c.Naim.Events.ReconnectInitial {
		errs = append(errs, "naim.events.reconnect_max must be >= reconnect_initial")
	}

	seen := make(map[string]bool, len(c.Naim.Devices))
	for i, d := range c.Naim.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Sprintf("naim.devices[%d].id is required", i))
		case seen[d.ID]:
			errs = append(errs, fmt.Sprintf("naim.devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("naim.devices[%d].address is required", i))
		}
		if d.Port < 0 || d.Port > 65535 {
			errs = append(errs, fmt.Sprintf("naim.devices[%d].port must be between 1 and 65535", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetRequestTimeout returns the per-request device timeout.
func (n NaimConfig) GetRequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeout) * time.Second
}

// GetPollInterval returns the refresh interval while subscribed.
func (n NaimConfig) GetPollInterval() time.Duration {
	return time.Duration(n.PollInterval) * time.Second
}

// GetErrorBackoff returns the wait after a failed refresh.
func (n NaimConfig) GetErrorBackoff() time.Duration {
	return time.Duration(n.ErrorBackoff) * time.Second
}

// GetHealthInterval returns the health publish interval.
func (n NaimConfig) GetHealthInterval() time.Duration {
	return time.Duration(n.HealthInterval) * time.Second
}

// GetReconnectInitial returns the first event stream reconnect delay.
func (e NaimEventsConfig) GetReconnectInitial() time.Duration {
	return time.Duration(e.ReconnectInitial) * time.Second
}

// GetReconnectMax returns the event stream reconnect delay cap.
func (e NaimEventsConfig) GetReconnectMax() time.Duration {
	return time.Duration(e.ReconnectMax) * time.Second
}
