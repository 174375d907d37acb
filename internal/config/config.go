// Copyright 2025 The swupdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides swupdd daemon configuration loaded from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file consulted when no path is given.
const DefaultPath = "/etc/swupdd/config.yaml"

// Config holds the daemon configuration.
type Config struct {
	// ToolPath is the update client executable invoked for every request.
	ToolPath string `yaml:"tool_path"`

	// BusName is the well-known D-Bus name the daemon claims.
	BusName string `yaml:"bus_name"`

	// ObjectPath is the D-Bus object path the daemon exports.
	ObjectPath string `yaml:"object_path"`

	// IdleTimeoutSeconds is how long the daemon stays resident with no
	// active request before attempting a graceful self-shutdown.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// PIDFile, when set, is written at startup and removed on shutdown.
	PIDFile string `yaml:"pid_file"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures daemon logging.
	Log LogConfig `yaml:"log"`
}

// MetricsConfig configures the optional Prometheus metrics listener.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP listener on.
	Enabled bool `yaml:"enabled"`

	// Listen is the address for the /metrics endpoint (default 127.0.0.1:9357).
	Listen string `yaml:"listen"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ToolPath:           "swupd",
		BusName:            "org.O1.swupdd.Client",
		ObjectPath:         "/org/O1/swupdd/Client",
		IdleTimeoutSeconds: 30,
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9357",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// IdleTimeout returns the idle shutdown window as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variable overrides, then validates the result.
//
// When path is empty, DefaultPath is consulted; a missing file is not an
// error in that case (the daemon runs on defaults). An explicitly given
// path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	if err := cfg.loadFromFile(path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile merges YAML configuration from path into c.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("SWUPDD_TOOL_PATH"); val != "" {
		c.ToolPath = val
	}
	if val := os.Getenv("SWUPDD_BUS_NAME"); val != "" {
		c.BusName = val
	}
	if val := os.Getenv("SWUPDD_IDLE_TIMEOUT"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.IdleTimeoutSeconds = secs
		}
	}
	if val := os.Getenv("SWUPDD_PID_FILE"); val != "" {
		c.PIDFile = val
	}
	if val := os.Getenv("SWUPDD_METRICS_LISTEN"); val != "" {
		c.Metrics.Enabled = true
		c.Metrics.Listen = val
	}
	if val := os.Getenv("SWUPDD_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.ToolPath == "" {
		return fmt.Errorf("tool_path must not be empty")
	}
	if c.BusName == "" {
		return fmt.Errorf("bus_name must not be empty")
	}
	if c.ObjectPath == "" {
		return fmt.Errorf("object_path must not be empty")
	}
	if c.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("idle_timeout_seconds must be positive, got %d", c.IdleTimeoutSeconds)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen must be set when metrics are enabled")
	}
	return nil
}
