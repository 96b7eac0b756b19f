package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Network.Port)
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))
	assert.True(t, Validate(cfg).IsValid())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"network":{"port":7000,"network_threads":4}}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Network.Port)
	assert.Equal(t, 4, cfg.Network.Threads)
	assert.Equal(t, DefaultBufferSize, cfg.Network.InitialBufferSize, "missing keys keep defaults")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "initial_buffer_size", "re-save persists new defaults")
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	cfg := DefaultConfig()
	var l Lookup = cfg

	assert.Equal(t, DefaultPort, l.GetInt("network.port", 0))
	assert.Equal(t, 42, l.GetInt("network.missing", 42))
	assert.Equal(t, 42, l.GetInt("network", 42), "object is not an int")
	assert.Equal(t, DefaultDatabaseURI, l.GetString("database.database_info", ""))
	assert.Equal(t, "9501", l.GetString("network.port", ""))
	assert.True(t, l.GetBool("api.enabled", false))
	assert.True(t, l.GetBool("nope.nope", true))
	assert.False(t, l.GetBool("mqtt.enabled", true))
}

func TestValidateCatchesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.Port = 0
	cfg.Network.Threads = 0
	cfg.Database.Info = "connections=2"
	cfg.API.Port = cfg.Network.Port
	cfg.API.MonitorNetworks = []string{"10.0.0.0/8", "not-a-network"}

	result := Validate(cfg)
	require.False(t, result.IsValid())

	fields := make(map[string]bool)
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["network.port"])
	assert.True(t, fields["network.network_threads"])
	assert.True(t, fields["database.database_info"])
	assert.True(t, fields["api.port"])
	assert.True(t, fields["api.monitor_networks"])
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	input := strings.Join([]string{"", "9600", "2", "", "no", "no"}, "\n") + "\n"
	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(input), &out))

	assert.Equal(t, 9600, cfg.Network.Port)
	assert.Equal(t, 2, cfg.Network.Threads)
	assert.False(t, cfg.API.Enabled)
	assert.FileExists(t, cfg.Path())
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in     string
		h, m   int
		wantOK bool
	}{
		{"04:00", 4, 0, true},
		{"23:59", 23, 59, true},
		{" 7:05 ", 7, 5, true},
		{"24:00", 0, 0, false},
		{"12:60", 0, 0, false},
		{"noon", 0, 0, false},
		{"1:2:3", 0, 0, false},
	}
	for _, tt := range tests {
		h, m, ok := ParseClock(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		if tt.wantOK {
			assert.Equal(t, tt.h, h, tt.in)
			assert.Equal(t, tt.m, m, tt.in)
		}
	}
}

func TestValidateCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cleanup.CleanupTime = "25:00"
	cfg.Cleanup.RetentionDays = 0

	result := Validate(cfg)
	fields := map[string]bool{}
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["cleanup.cleanup_time"])
	assert.True(t, fields["cleanup.retention_days"])

	cfg.Cleanup.Enabled = false
	assert.True(t, Validate(cfg).IsValid())
}
