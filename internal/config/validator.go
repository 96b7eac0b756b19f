package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gcemu-project/gcemu/internal/db"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	snap := cfg.Snapshot()
	result := &ValidationResult{}

	validateNetwork(&snap.Network, result)
	validateDatabase(&snap.Database, result)
	validateLogin(&snap.Login, result)
	validateAPI(&snap.API, snap.Network.Port, result)
	validateMQTT(&snap.MQTT, result)
	validateCleanup(&snap.Cleanup, result)

	if snap.Stats.IntervalSec < 5 {
		result.AddWarning("stats.interval_sec", "stats interval below 5s will flood logs")
	}

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	validatePort(n.Port, "network.port", result)

	if n.BindAddress != "" && net.ParseIP(n.BindAddress) == nil {
		result.AddError("network.bind_address", fmt.Sprintf("not an IP address: %q", n.BindAddress))
	}
	if n.Threads < 1 {
		result.AddError("network.network_threads", "must have at least 1 network thread")
	}
	if n.Threads > 64 {
		result.AddWarning("network.network_threads",
			fmt.Sprintf("high thread count (%d) is unlikely to help", n.Threads))
	}
	if n.InitialBufferSize < 64 {
		result.AddError("network.initial_buffer_size", "initial buffer must be at least 64 bytes")
	}
	if n.MaxFrameSize < 32 || n.MaxFrameSize > 65535 {
		result.AddError("network.max_frame_size", "max frame size must be between 32 and 65535")
	}
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	info := db.ParseConnectionInfo(d.Info)
	if strings.TrimSpace(info["path"]) == "" {
		result.AddError("database.database_info", "database_info must contain path=<file>")
	}
	if d.Connections < 1 {
		result.AddError("database.database_connections", "must have at least 1 connection")
	}
}

func validateLogin(l *LoginConfig, result *ValidationResult) {
	if l.CompressThreshold < 0 {
		result.AddError("login.compress_threshold", "must not be negative")
	}
	if l.MaxFailedAttempts > 0 && l.LockoutMinutes < 1 {
		result.AddError("login.lockout_minutes", "lockout window is required when max_failed_attempts is set")
	}
}

func validateAPI(a *APIConfig, loginPort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == loginPort {
		result.AddError("api.port", "port conflict: API and login listener must differ")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS)")
	}
	for _, n := range a.MonitorNetworks {
		if _, _, err := net.ParseCIDR(n); err != nil && net.ParseIP(n) == nil {
			result.AddError("api.monitor_networks", fmt.Sprintf("invalid network %q", n))
		}
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validateCleanup(c *CleanupConfig, result *ValidationResult) {
	if !c.Enabled {
		return
	}
	if _, _, ok := ParseClock(c.CleanupTime); !ok {
		result.AddError("cleanup.cleanup_time", fmt.Sprintf("expected HH:MM, got %q", c.CleanupTime))
	}
	if c.RetentionDays < 1 {
		result.AddError("cleanup.retention_days", "retention must be at least 1 day")
	}
}

// ParseClock parses a 24h "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
