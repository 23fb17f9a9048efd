// Package config handles configuration loading and validation for skycloset.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skycloset/skycloset/internal/closet"
	"github.com/skycloset/skycloset/pkg/bytesize"
)

// RemoteConfig holds configuration for the manifest CDN.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout string        `yaml:"request_timeout"` // Duration string, e.g. "30s"
	MaxBlobSize    bytesize.Size `yaml:"max_blob_size"`   // Cap on a single blob, e.g. "64MB"
}

// SyncConfig holds configuration for the sync engine.
type SyncConfig struct {
	Days            int    `yaml:"days"`             // Recent window synced by `skycloset sync`
	BackfillDays    int    `yaml:"backfill_days"`    // Deep window synced when a location becomes primary
	PrimaryLocation string `yaml:"primary_location"` // Default location for sync commands
}

// PolicyConfig holds the retention policy.
type PolicyConfig struct {
	KeepForecastRunsDays int          `yaml:"keep_forecast_runs_days"`
	KeepObservationDays  int          `yaml:"keep_observation_days"`
	Pins                 []closet.Pin `yaml:"pins,omitempty"`
}

// Config is the root skycloset configuration.
type Config struct {
	DataDir string       `yaml:"data_dir"`
	Remote  RemoteConfig `yaml:"remote"`
	Sync    SyncConfig   `yaml:"sync"`
	Policy  PolicyConfig `yaml:"policy"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Remote.RequestTimeout == "" {
		c.Remote.RequestTimeout = "30s"
	}
	if c.Remote.MaxBlobSize == 0 {
		c.Remote.MaxBlobSize = bytesize.Size(bytesize.MustParse("64MB"))
	}
	if c.Sync.Days == 0 {
		c.Sync.Days = 3
	}
	if c.Sync.BackfillDays == 0 {
		c.Sync.BackfillDays = 30
	}
	if c.Policy.KeepForecastRunsDays == 0 {
		c.Policy.KeepForecastRunsDays = 14
	}
	if c.Policy.KeepObservationDays == 0 {
		c.Policy.KeepObservationDays = 30
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skycloset"
	}
	return filepath.Join(home, ".skycloset")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("remote.base_url %q is not a valid URL", c.Remote.BaseURL)
		}
	}
	if _, err := time.ParseDuration(c.Remote.RequestTimeout); err != nil {
		return fmt.Errorf("remote.request_timeout %q: %w", c.Remote.RequestTimeout, err)
	}
	if c.Remote.MaxBlobSize < 0 {
		return fmt.Errorf("remote.max_blob_size must not be negative")
	}

	if c.Sync.Days < 1 {
		return fmt.Errorf("sync.days must be at least 1")
	}
	if c.Sync.BackfillDays < c.Sync.Days {
		return fmt.Errorf("sync.backfill_days must be at least sync.days")
	}

	if c.Policy.KeepForecastRunsDays < 1 {
		return fmt.Errorf("policy.keep_forecast_runs_days must be at least 1")
	}
	if c.Policy.KeepObservationDays < 1 {
		return fmt.Errorf("policy.keep_observation_days must be at least 1")
	}
	for _, pin := range c.Policy.Pins {
		if pin.Type != "hash" {
			return fmt.Errorf("unsupported pin type %q", pin.Type)
		}
		if pin.Hash == "" {
			return fmt.Errorf("pin of type hash requires a hash")
		}
	}

	return nil
}

// ClosetPolicy converts the policy section into the closet's policy value.
func (c *Config) ClosetPolicy() closet.Policy {
	return closet.Policy{
		KeepForecastRunsDays: c.Policy.KeepForecastRunsDays,
		KeepObservationDays:  c.Policy.KeepObservationDays,
		Pins:                 c.Policy.Pins,
	}
}

// RequestTimeout returns the parsed remote request timeout.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Remote.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Save writes the configuration back to a YAML file. Used by the pin
// subcommands, which edit the persisted policy.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
