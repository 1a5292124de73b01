package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults tests that a missing config file yields the documented defaults
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/roost", cfg.DataDir)
	assert.Equal(t, 30000, cfg.PublicPortLo)
	assert.Equal(t, 30999, cfg.PublicPortHi)
	assert.Equal(t, 40000, cfg.InternalPortLo)
	assert.Equal(t, 40999, cfg.InternalPortHi)
	assert.Equal(t, "10.20.0.0/24", cfg.ApplianceSubnet)
	assert.Equal(t, "10.20.0.1", cfg.ApplianceGateway)
	assert.Equal(t, "prox.local", cfg.ApplianceDomain)
	assert.Equal(t, 9999, cfg.ApplianceVMID)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 6*time.Hour, cfg.JanitorInterval)
	assert.Equal(t, time.Hour, cfg.StuckThreshold)
	assert.Equal(t, 30*time.Minute, cfg.BackupDeadline)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
}

// TestLoadFromFile tests overriding defaults through a YAML file
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roost.yaml")
	content := []byte(`
data_dir: /tmp/roost-test
log_level: debug
workers: 2
public_port_lo: 31000
public_port_hi: 31099
stuck_threshold: 30m
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/roost-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 31000, cfg.PublicPortLo)
	assert.Equal(t, 30*time.Minute, cfg.StuckThreshold)
	// Untouched keys keep their defaults.
	assert.Equal(t, 40000, cfg.InternalPortLo)
}

// TestValidate tests the configurations the allocators refuse
func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			PublicPortLo:   30000,
			PublicPortHi:   30999,
			InternalPortLo: 40000,
			InternalPortHi: 40999,
			Workers:        4,
			JobMaxAttempts: 3,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "inverted public range",
			mutate:  func(c *Config) { c.PublicPortLo = 31000 },
			wantErr: "empty",
		},
		{
			name:    "inverted internal range",
			mutate:  func(c *Config) { c.InternalPortHi = 39999 },
			wantErr: "empty",
		},
		{
			name: "overlapping ranges",
			mutate: func(c *Config) {
				c.InternalPortLo = 30500
				c.InternalPortHi = 31500
			},
			wantErr: "overlaps",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Workers = 0 },
			wantErr: "workers",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.JobMaxAttempts = 0 },
			wantErr: "job_max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
