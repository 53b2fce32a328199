package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration loaded from file or assembled
// by the embedding process.
type Config struct {
	// DataDir backs the store on disk when set; empty means in-memory, the
	// emulator default.
	DataDir string `json:"dataDir" yaml:"dataDir"`

	// DefaultLeaseSeconds is the queue-default lock hold time applied at
	// registration when the caller does not specify one.
	DefaultLeaseSeconds int64 `json:"defaultLeaseSeconds" yaml:"defaultLeaseSeconds"`

	// DefaultMaxDeliveryCount is the queue-default delivery limit applied at
	// registration when the caller does not specify one.
	DefaultMaxDeliveryCount int `json:"defaultMaxDeliveryCount" yaml:"defaultMaxDeliveryCount"`

	// PayloadMaxBytes caps message bodies accepted by the service layer.
	PayloadMaxBytes int `json:"payloadMaxBytes" yaml:"payloadMaxBytes"`

	// Reap configures the background lock reaper.
	Reap ReapConfig `json:"reap" yaml:"reap"`
}

// ReapConfig tunes the best-effort expired-lock reaper.
type ReapConfig struct {
	Enabled    bool  `json:"enabled" yaml:"enabled"`
	IntervalMs int64 `json:"intervalMs" yaml:"intervalMs"`
	MaxPerTick int   `json:"maxPerTick" yaml:"maxPerTick"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DefaultLeaseSeconds:     30,
		DefaultMaxDeliveryCount: 10,
		PayloadMaxBytes:         1 << 20, // 1 MiB
		Reap: ReapConfig{
			Enabled:    true,
			IntervalMs: 500,
			MaxPerTick: 1024,
		},
	}
}

// Interval returns the reap cadence as a duration.
func (rc ReapConfig) Interval() time.Duration {
	return time.Duration(rc.IntervalMs) * time.Millisecond
}

// Load reads configuration from a JSON or YAML file (by extension), layered
// over defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DefaultLeaseSeconds <= 0 {
		return fmt.Errorf("defaultLeaseSeconds must be positive, got %d", c.DefaultLeaseSeconds)
	}
	if c.DefaultMaxDeliveryCount < 1 {
		return fmt.Errorf("defaultMaxDeliveryCount must be at least 1, got %d", c.DefaultMaxDeliveryCount)
	}
	if c.PayloadMaxBytes <= 0 {
		return fmt.Errorf("payloadMaxBytes must be positive, got %d", c.PayloadMaxBytes)
	}
	return nil
}
