// Package config handles configuration loading, validation, and persistence
// for the login server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "loginserver.conf.json"
	DefaultPort        = 9501
	DefaultAPIPort     = 9580
	DefaultBufferSize  = 6144
	DefaultMaxFrame    = 65535
	DefaultNetThreads  = 1
	DefaultDatabaseURI = "path=data/loginserver.db"
)

// Lookup is the typed key/value view of the configuration. Keys are
// dotted JSON paths such as "network.port".
type Lookup interface {
	GetString(key, defaultValue string) string
	GetBool(key string, defaultValue bool) bool
	GetInt(key string, defaultValue int) int
}

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Network  NetworkConfig  `json:"network"`
	Database DatabaseConfig `json:"database"`
	Login    LoginConfig    `json:"login"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Stats    StatsConfig    `json:"stats"`
	Cleanup  CleanupConfig  `json:"cleanup"`
	Logging  LoggingConfig  `json:"logging"`
}

// NetworkConfig holds listener and worker settings.
type NetworkConfig struct {
	BindAddress       string `json:"bind_address"`
	Port              int    `json:"port"`
	Threads           int    `json:"network_threads"`
	InitialBufferSize int    `json:"initial_buffer_size"`
	MaxFrameSize      int    `json:"max_frame_size"`
}

// DatabaseConfig holds storage settings. Info is a "key=value;..." string.
type DatabaseConfig struct {
	Info        string `json:"database_info"`
	Connections int    `json:"database_connections"`
}

// LoginConfig holds protocol and account policy settings.
type LoginConfig struct {
	CompressThreshold int `json:"compress_threshold"`
	MaxFailedAttempts int `json:"max_failed_attempts"`
	LockoutMinutes    int `json:"lockout_minutes"`
}

// APIConfig holds the monitoring API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	BindAddress    string   `json:"bind_address"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// MonitorNetworks restricts /api/monitor to these CIDRs or IPs. Empty
	// means no restriction.
	MonitorNetworks []string `json:"monitor_networks"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
	Topic     string `json:"topic_prefix"`
}

// StatsConfig holds the periodic stats reporter settings.
type StatsConfig struct {
	IntervalSec int `json:"interval_sec"`
}

// CleanupConfig holds the daily login attempt cleaner settings.
type CleanupConfig struct {
	Enabled       bool   `json:"enabled"`
	CleanupTime   string `json:"cleanup_time"`
	RetentionDays int    `json:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			BindAddress:       "0.0.0.0",
			Port:              DefaultPort,
			Threads:           DefaultNetThreads,
			InitialBufferSize: DefaultBufferSize,
			MaxFrameSize:      DefaultMaxFrame,
		},
		Database: DatabaseConfig{
			Info:        DefaultDatabaseURI,
			Connections: 1,
		},
		Login: LoginConfig{
			CompressThreshold: 512,
			MaxFailedAttempts: 5,
			LockoutMinutes:    10,
		},
		API: APIConfig{
			Enabled:      true,
			BindAddress:  "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:   false,
			BrokerURL: "localhost",
			Port:      1883,
			Topic:     "gcemu/loginserver",
		},
		Stats: StatsConfig{
			IntervalSec: 60,
		},
		Cleanup: CleanupConfig{
			Enabled:       true,
			CleanupTime:   "04:00",
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating it with
// defaults if it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file always lists every option the code knows about.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Snapshot returns a detached copy of the configuration sections.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := &Config{
		path:     c.path,
		Network:  c.Network,
		Database: c.Database,
		Login:    c.Login,
		API:      c.API,
		MQTT:     c.MQTT,
		Stats:    c.Stats,
		Cleanup:  c.Cleanup,
		Logging:  c.Logging,
	}
	snap.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	snap.API.MonitorNetworks = append([]string(nil), c.API.MonitorNetworks...)
	return snap
}

// lookup walks a dotted key through the JSON form of the configuration.
func (c *Config) lookup(key string) (interface{}, bool) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return nil, false
	}

	var node interface{}
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, false
	}

	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if node, ok = m[part]; !ok {
			return nil, false
		}
	}
	return node, true
}

// GetString returns the value at key as a string.
func (c *Config) GetString(key, defaultValue string) string {
	v, ok := c.lookup(key)
	if !ok {
		return defaultValue
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return defaultValue
}

// GetBool returns the value at key as a bool.
func (c *Config) GetBool(key string, defaultValue bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return defaultValue
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	case float64:
		return t != 0
	}
	return defaultValue
}

// GetInt returns the value at key as an int.
func (c *Config) GetInt(key string, defaultValue int) int {
	v, ok := c.lookup(key)
	if !ok {
		return defaultValue
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return defaultValue
}
