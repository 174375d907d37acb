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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	t.Run("tool defaults", func(t *testing.T) {
		assert.Equal(t, "swupd", cfg.ToolPath)
	})

	t.Run("bus defaults", func(t *testing.T) {
		assert.Equal(t, "org.O1.swupdd.Client", cfg.BusName)
		assert.Equal(t, "/org/O1/swupdd/Client", cfg.ObjectPath)
	})

	t.Run("idle timeout default", func(t *testing.T) {
		assert.Equal(t, 30, cfg.IdleTimeoutSeconds)
		assert.Equal(t, 30*time.Second, cfg.IdleTimeout())
	})

	t.Run("metrics disabled by default", func(t *testing.T) {
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "127.0.0.1:9357", cfg.Metrics.Listen)
	})

	t.Run("defaults validate", func(t *testing.T) {
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
tool_path: /usr/bin/swupd
idle_timeout_seconds: 120
pid_file: /run/swupdd.pid
metrics:
  enabled: true
  listen: "127.0.0.1:9999"
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/swupd", cfg.ToolPath)
	assert.Equal(t, 120, cfg.IdleTimeoutSeconds)
	assert.Equal(t, "/run/swupdd.pid", cfg.PIDFile)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, "org.O1.swupdd.Client", cfg.BusName)
}

func TestLoadMissingFile(t *testing.T) {
	t.Run("explicit path must exist", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SWUPDD_TOOL_PATH", "/opt/swupd/bin/swupd")
	t.Setenv("SWUPDD_IDLE_TIMEOUT", "5")
	t.Setenv("SWUPDD_METRICS_LISTEN", "127.0.0.1:9100")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idle_timeout_seconds: 60\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/swupd/bin/swupd", cfg.ToolPath)
	assert.Equal(t, 5, cfg.IdleTimeoutSeconds, "env override wins over file")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"empty tool path", func(c *Config) { c.ToolPath = "" }, true},
		{"empty bus name", func(c *Config) { c.BusName = "" }, true},
		{"empty object path", func(c *Config) { c.ObjectPath = "" }, true},
		{"zero idle timeout", func(c *Config) { c.IdleTimeoutSeconds = 0 }, true},
		{"negative idle timeout", func(c *Config) { c.IdleTimeoutSeconds = -1 }, true},
		{"metrics enabled without listen", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tool_path: [unclosed\n"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}
