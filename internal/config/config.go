// Package config loads the otter daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Identity    IdentityConfig    `yaml:"identity"`
	Cloud       CloudConfig       `yaml:"cloud"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	SelfHeal    SelfHealConfig    `yaml:"selfheal"`
	Convergence ConvergenceConfig `yaml:"convergence"`
}

type ServerConfig struct {
	// Port serves the health and metrics endpoints.
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type IdentityConfig struct {
	URL string `yaml:"url"`
	// Strategy is "password" or "apikey".
	Strategy string `yaml:"strategy"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIKey   string `yaml:"api_key"`
	// CacheTTLSeconds bounds how long a tenant token is reused.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

type CloudConfig struct {
	Region string `yaml:"region"`
	// Service names as they appear in the tenant service catalog.
	ServerServiceName      string `yaml:"server_service_name"`
	LBServiceName          string `yaml:"lb_service_name"`
	RackConnectServiceName string `yaml:"rackconnect_service_name"`
	RequestTimeoutSeconds  int    `yaml:"request_timeout_seconds"`
	MaxRetries             int    `yaml:"max_retries"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	// URL is a postgres DSN. Empty means the in-memory store (dev only).
	URL string `yaml:"url"`
}

type SchedulerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
	Buckets         int `yaml:"buckets"`
	// ThresholdSeconds: an undelivered event older than this marks the
	// scheduler unhealthy.
	ThresholdSeconds int `yaml:"threshold_seconds"`
}

type SelfHealConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// EnabledTenants limits convergence to the listed tenants. Empty
	// enables every tenant.
	EnabledTenants []string `yaml:"enabled_tenants"`
}

type ConvergenceConfig struct {
	BuildTimeoutSeconds int `yaml:"build_timeout_seconds"`
	LBMaxRetries        int `yaml:"lb_max_retries"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "9090"
	}
	if c.Identity.CacheTTLSeconds == 0 {
		c.Identity.CacheTTLSeconds = 3600
	}
	if c.Cloud.ServerServiceName == "" {
		c.Cloud.ServerServiceName = "cloudServersOpenStack"
	}
	if c.Cloud.LBServiceName == "" {
		c.Cloud.LBServiceName = "cloudLoadBalancers"
	}
	if c.Cloud.RackConnectServiceName == "" {
		c.Cloud.RackConnectServiceName = "rackconnect"
	}
	if c.Cloud.RequestTimeoutSeconds == 0 {
		c.Cloud.RequestTimeoutSeconds = 10
	}
	if c.Cloud.MaxRetries == 0 {
		c.Cloud.MaxRetries = 5
	}
	if c.Scheduler.IntervalSeconds == 0 {
		c.Scheduler.IntervalSeconds = 10
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.Buckets == 0 {
		c.Scheduler.Buckets = 10
	}
	if c.Scheduler.ThresholdSeconds == 0 {
		c.Scheduler.ThresholdSeconds = 60
	}
	if c.SelfHeal.IntervalSeconds == 0 {
		c.SelfHeal.IntervalSeconds = 3600
	}
	if c.Convergence.BuildTimeoutSeconds == 0 {
		c.Convergence.BuildTimeoutSeconds = 3600
	}
	if c.Convergence.LBMaxRetries == 0 {
		c.Convergence.LBMaxRetries = 5
	}
}

func (c *Config) validate() error {
	if c.Identity.URL == "" {
		return fmt.Errorf("config: identity.url is required")
	}
	switch c.Identity.Strategy {
	case "", "password", "apikey":
	default:
		return fmt.Errorf("config: unknown identity.strategy %q", c.Identity.Strategy)
	}
	if c.SelfHeal.IntervalSeconds <= 5 {
		return fmt.Errorf("config: selfheal.interval_seconds must be greater than 5")
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Cloud.RequestTimeoutSeconds) * time.Second
}

func (c *Config) BuildTimeout() time.Duration {
	return time.Duration(c.Convergence.BuildTimeoutSeconds) * time.Second
}
