// Package config loads the roost configuration from roost.yaml and
// ROOST_* environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the controller reads at startup. Defaults
// match the documented policy constants; a config file only needs to name
// what it changes.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	CatalogPath string `mapstructure:"catalog_path"`
	VolumesDir  string `mapstructure:"volumes_dir"`

	// Encryption passphrase for credentials at rest. Required.
	EncryptionKey string `mapstructure:"encryption_key"`

	PublicPortLo   int `mapstructure:"public_port_lo"`
	PublicPortHi   int `mapstructure:"public_port_hi"`
	InternalPortLo int `mapstructure:"internal_port_lo"`
	InternalPortHi int `mapstructure:"internal_port_hi"`

	ApplianceBridge  string `mapstructure:"appliance_bridge"`
	ApplianceSubnet  string `mapstructure:"appliance_subnet"`
	ApplianceGateway string `mapstructure:"appliance_gateway"`
	ApplianceDHCPLo  string `mapstructure:"appliance_dhcp_lo"`
	ApplianceDHCPHi  string `mapstructure:"appliance_dhcp_hi"`
	ApplianceDomain  string `mapstructure:"appliance_domain"`
	ApplianceVMID    int    `mapstructure:"appliance_vmid"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
	StuckThreshold    time.Duration `mapstructure:"stuck_threshold"`

	BackupWait      time.Duration `mapstructure:"backup_wait"`
	BackupDeadline  time.Duration `mapstructure:"backup_deadline"`
	TemplateTimeout time.Duration `mapstructure:"template_timeout"`
	PullTimeout     time.Duration `mapstructure:"pull_timeout"`
	UpTimeout       time.Duration `mapstructure:"up_timeout"`

	Workers        int `mapstructure:"workers"`
	JobMaxAttempts int `mapstructure:"job_max_attempts"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads configuration from the given file (optional), applying
// defaults and environment overrides.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "/var/lib/roost")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("catalog_path", "/var/lib/roost/catalog")
	v.SetDefault("volumes_dir", "/var/lib/roost/volumes")

	v.SetDefault("public_port_lo", 30000)
	v.SetDefault("public_port_hi", 30999)
	v.SetDefault("internal_port_lo", 40000)
	v.SetDefault("internal_port_hi", 40999)

	v.SetDefault("appliance_bridge", "appliance-lan")
	v.SetDefault("appliance_subnet", "10.20.0.0/24")
	v.SetDefault("appliance_gateway", "10.20.0.1")
	v.SetDefault("appliance_dhcp_lo", "10.20.0.100")
	v.SetDefault("appliance_dhcp_hi", "10.20.0.250")
	v.SetDefault("appliance_domain", "prox.local")
	v.SetDefault("appliance_vmid", 9999)

	v.SetDefault("reconcile_interval", 5*time.Minute)
	v.SetDefault("janitor_interval", 6*time.Hour)
	v.SetDefault("stuck_threshold", time.Hour)

	v.SetDefault("backup_wait", 5*time.Minute)
	v.SetDefault("backup_deadline", 30*time.Minute)
	v.SetDefault("template_timeout", 10*time.Minute)
	v.SetDefault("pull_timeout", 10*time.Minute)
	v.SetDefault("up_timeout", 5*time.Minute)

	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("job_max_attempts", 3)

	v.SetDefault("metrics_addr", ":9090")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath("/etc/roost")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("roost")
	}

	v.SetEnvPrefix("ROOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has a default.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the allocators cannot work with.
func (c *Config) Validate() error {
	if c.PublicPortLo > c.PublicPortHi {
		return fmt.Errorf("public port range [%d, %d] is empty", c.PublicPortLo, c.PublicPortHi)
	}
	if c.InternalPortLo > c.InternalPortHi {
		return fmt.Errorf("internal port range [%d, %d] is empty", c.InternalPortLo, c.InternalPortHi)
	}
	// The two ranges must be disjoint; overlapping ranges would let one
	// application hold the same number twice.
	if c.PublicPortLo <= c.InternalPortHi && c.InternalPortLo <= c.PublicPortHi {
		return fmt.Errorf("public range [%d, %d] overlaps internal range [%d, %d]",
			c.PublicPortLo, c.PublicPortHi, c.InternalPortLo, c.InternalPortHi)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("job_max_attempts must be >= 1, got %d", c.JobMaxAttempts)
	}
	return nil
}
