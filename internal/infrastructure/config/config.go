package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for statepanel.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Store     StoreConfig     `yaml:"store"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`

	// path and loadedAt support change detection for the housekeeping pass.
	path     string
	loadedAt time.Time
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// StoreConfig describes the on-disk JSON state store and the reload
// coordination tunables.
type StoreConfig struct {
	// Path is the directory holding one JSON snapshot per device.
	Path string `yaml:"path"`

	// PollInterval is how often (seconds) the background worker checks the
	// store for changes.
	PollInterval int `yaml:"poll_interval"`

	// GraceWindow is the interval (seconds) during which another process's
	// recent reload is trusted instead of performing our own. This is a
	// freshness heuristic, not a consistency guarantee.
	GraceWindow int `yaml:"grace_window"`

	// WaitTimeout bounds (seconds) how long a caller waits for another
	// process's in-flight reload to land in the local cache.
	WaitTimeout int `yaml:"wait_timeout"`

	// LockDefer is the pause (seconds) before serving a possibly stale cache
	// when the reload lock is held elsewhere.
	LockDefer int `yaml:"lock_defer"`
}

// ArtifactsConfig contains derived-artifact (chart) settings.
type ArtifactsConfig struct {
	// Path is the directory chart images are written to and served from.
	Path string `yaml:"path"`
}

// DatabaseConfig contains SQLite database settings for the submission history.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AccessKey, when set, is required as a ?key= query parameter on the
	// submission endpoint and on the WebSocket upgrade.
	AccessKey string `yaml:"access_key"`

	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
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

// MQTTConfig contains settings for the optional MQTT notifier.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// InfluxDBConfig contains settings for the optional probe telemetry sink.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: STATEPANEL_SECTION_KEY
// For example: STATEPANEL_STORE_PATH, STATEPANEL_API_ACCESS_KEY
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.path = path
	cfg.loadedAt = time.Now()

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "State Panel",
			Timezone: "UTC",
		},
		Store: StoreConfig{
			Path:         "./state_data",
			PollInterval: 5,
			GraceWindow:  10,
			WaitTimeout:  5,
			LockDefer:    3,
		},
		Artifacts: ArtifactsConfig{
			Path: "./static",
		},
		Database: DatabaseConfig{
			Path:        "./data/statepanel.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
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
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "statepanel",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: STATEPANEL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Store
	if v := os.Getenv("STATEPANEL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STATEPANEL_ARTIFACTS_PATH"); v != "" {
		cfg.Artifacts.Path = v
	}

	// Database
	if v := os.Getenv("STATEPANEL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("STATEPANEL_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("STATEPANEL_API_ACCESS_KEY"); v != "" {
		cfg.API.AccessKey = v
	}

	// MQTT
	if v := os.Getenv("STATEPANEL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("STATEPANEL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("STATEPANEL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("STATEPANEL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Store validation
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Store.PollInterval < 1 {
		errs = append(errs, "store.poll_interval must be at least 1 second")
	}
	if c.Store.GraceWindow < 0 {
		errs = append(errs, "store.grace_window must not be negative")
	}
	if c.Store.WaitTimeout < 0 {
		errs = append(errs, "store.wait_timeout must not be negative")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// MQTT validation (only meaningful when the notifier is enabled)
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// CheckForChanges reports whether the configuration file has been modified
// since it was loaded. Used by the coordinator's housekeeping pass so a
// long-running process notices config edits.
//
// Returns:
//   - bool: true if the file's modification time is newer than the load time
//   - error: If the file can no longer be stat'd
func (c *Config) CheckForChanges() (bool, error) {
	if c.path == "" {
		return false, nil
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return false, fmt.Errorf("checking config file: %w", err)
	}
	return info.ModTime().After(c.loadedAt), nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
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

// GetPollInterval returns the background worker poll interval as a Duration.
func (s StoreConfig) GetPollInterval() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// GetGraceWindow returns the cross-process grace window as a Duration.
func (s StoreConfig) GetGraceWindow() time.Duration {
	return time.Duration(s.GraceWindow) * time.Second
}

// GetWaitTimeout returns the bounded cache-wait as a Duration.
func (s StoreConfig) GetWaitTimeout() time.Duration {
	return time.Duration(s.WaitTimeout) * time.Second
}

// GetLockDefer returns the lock-contention defer pause as a Duration.
func (s StoreConfig) GetLockDefer() time.Duration {
	return time.Duration(s.LockDefer) * time.Second
}
