// Package config handles AEMOS configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aemos/config.yaml, /etc/aemos/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aemos", "config.yaml"))
	}

	paths = append(paths, "/etc/aemos/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all AEMOS configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	CoAP     CoAPConfig     `yaml:"coap"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Notify   NotifyConfig   `yaml:"notify"`
	DataDir  string         `yaml:"data_dir"`
	// Production requires a valid token on every device publish.
	Production bool   `yaml:"production"`
	LogLevel   string `yaml:"log_level"`
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines broker connection settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PublisherSecret authenticates the reserved internal publisher
	// identity at the broker.
	PublisherSecret string `yaml:"publisher_secret"`
	// RateLimit caps inbound messages per second (default 1000).
	RateLimit int64 `yaml:"rate_limit"`
}

// CoAPConfig defines the UDP ingress for constrained devices.
type CoAPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // host:port, default ":5683"
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the rule engine.
type EngineConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
	// WarningDepth and CriticalDepth are the backpressure thresholds.
	WarningDepth  int `yaml:"warning_depth"`
	CriticalDepth int `yaml:"critical_depth"`
	// EventDeadlineMs bounds a single chain execution (default 5000).
	EventDeadlineMs int `yaml:"event_deadline_ms"`
	// CollectTimeoutMs bounds data collection per execution (default 2000).
	CollectTimeoutMs int `yaml:"collect_timeout_ms"`
	// HighPriorityMin and HighPriorityMax band numeric state values;
	// values outside it escalate notifications to high priority.
	HighPriorityMin *float64 `yaml:"high_priority_min"`
	HighPriorityMax *float64 `yaml:"high_priority_max"`
}

// ScheduleConfig tunes the schedule manager.
type ScheduleConfig struct {
	// SyncIntervalSec is the auto-sync period (default 120, minimum 60).
	SyncIntervalSec int `yaml:"sync_interval_sec"`
}

// NotifyConfig tunes notification batching.
type NotifyConfig struct {
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	MaxBuffer       int `yaml:"max_buffer"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		MQTT:     MQTTConfig{Broker: "mqtt://localhost:1883"},
		CoAP:     CoAPConfig{Address: ":5683"},
		Database: DatabaseConfig{Path: "aemos.db"},
		DataDir:  ".",
	}
}
