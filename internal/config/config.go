// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides. Timing values that tune synchronization
// and crossfade behavior are deliberately configuration, not constants.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Providers lists the configured music sources.
	Providers []ProviderConfig `yaml:"providers"`

	// Players lists the configured playback endpoints.
	Players []PlayerConfig `yaml:"players"`

	Sync      SyncConfig      `yaml:"sync"`
	Crossfade CrossfadeConfig `yaml:"crossfade"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Transport TransportConfig `yaml:"transport"`
}

// ProviderConfig describes one music source and its fallback chain.
type ProviderConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
	// Fallbacks names providers tried, in order, when this one reports
	// media as missing or unavailable.
	Fallbacks []string `yaml:"fallbacks,omitempty"`
}

// PlayerConfig describes one playback endpoint.
type PlayerConfig struct {
	ID string `yaml:"id"`
}

// SyncConfig tunes group synchronization.
type SyncConfig struct {
	DriftToleranceMS    int `yaml:"drift_tolerance_ms"`
	TelemetryIntervalMS int `yaml:"telemetry_interval_ms"`
}

// DriftTolerance is the maximum follower offset before correction.
func (s SyncConfig) DriftTolerance() time.Duration {
	return time.Duration(s.DriftToleranceMS) * time.Millisecond
}

// TelemetryInterval is the expected player reporting period.
func (s SyncConfig) TelemetryInterval() time.Duration {
	return time.Duration(s.TelemetryIntervalMS) * time.Millisecond
}

// CrossfadeConfig tunes track transitions.
type CrossfadeConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowSeconds int  `yaml:"window_seconds"`
}

// Window is the time before track end at which the next track starts
// overlapping.
func (c CrossfadeConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// ResolverConfig tunes stream resolution and caching.
type ResolverConfig struct {
	Attempts               int `yaml:"attempts"`
	BackoffBaseMS          int `yaml:"backoff_base_ms"`
	FreshnessMinutes       int `yaml:"freshness_minutes"`
	PrefetchCeilingSeconds int `yaml:"prefetch_ceiling_seconds"`
	CacheCapacity          int `yaml:"cache_capacity"`
}

// BackoffBase is the first retry delay for transient provider faults.
func (r ResolverConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMS) * time.Millisecond
}

// Freshness is the validity window of resolved stream handles.
func (r ResolverConfig) Freshness() time.Duration {
	return time.Duration(r.FreshnessMinutes) * time.Minute
}

// PrefetchCeiling caps how early the next item is resolved.
func (r ResolverConfig) PrefetchCeiling() time.Duration {
	return time.Duration(r.PrefetchCeilingSeconds) * time.Second
}

// TransportConfig tunes player I/O deadlines.
type TransportConfig struct {
	CommandTimeoutMS     int `yaml:"command_timeout_ms"`
	BufferReadyTimeoutMS int `yaml:"buffer_ready_timeout_ms"`
}

// CommandTimeout bounds every transport/assign call to a player; a slow
// member is treated as failed for that operation.
func (t TransportConfig) CommandTimeout() time.Duration {
	return time.Duration(t.CommandTimeoutMS) * time.Millisecond
}

// BufferReadyTimeout bounds the wait for all members to report
// buffer-ready before a partial start is forced.
func (t TransportConfig) BufferReadyTimeout() time.Duration {
	return time.Duration(t.BufferReadyTimeoutMS) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Players: []PlayerConfig{
			{ID: "virtual-1"},
		},
		Sync: SyncConfig{
			DriftToleranceMS:    150,
			TelemetryIntervalMS: 1000,
		},
		Crossfade: CrossfadeConfig{
			Enabled:       true,
			WindowSeconds: 8,
		},
		Resolver: ResolverConfig{
			Attempts:               3,
			BackoffBaseMS:          250,
			FreshnessMinutes:       10,
			PrefetchCeilingSeconds: 30,
			CacheCapacity:          64,
		},
		Transport: TransportConfig{
			CommandTimeoutMS:     2000,
			BufferReadyTimeoutMS: 5000,
		},
	}
}

// Load reads the configuration file at path, falling back to defaults if
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the configuration to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnv layers environment overrides on top of file values.
func (c *Config) applyEnv() {
	if lvl := os.Getenv("TUTTI_LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}
}
