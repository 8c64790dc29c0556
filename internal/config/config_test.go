package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
dry_run: true
database:
  path: /tmp/monitor.db
  token_key: 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f
broker:
  base_url: https://api.broker.example
  api_key: file-key
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.DryRun {
		t.Error("dry_run not read from file")
	}
	if cfg.Monitor.PollInterval != 30*time.Second {
		t.Errorf("poll_interval default = %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.Timezone != "Asia/Kolkata" {
		t.Errorf("timezone default = %q", cfg.Monitor.Timezone)
	}
	if cfg.Monitor.MaxInstruments != 100 || cfg.Monitor.MaxCandles != 200 {
		t.Errorf("caps = %d/%d", cfg.Monitor.MaxInstruments, cfg.Monitor.MaxCandles)
	}
	if cfg.Stream.MaxBackoff != 60*time.Second {
		t.Errorf("max_backoff default = %v", cfg.Stream.MaxBackoff)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate on minimal config: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MONITOR_API_KEY", "env-key")
	t.Setenv("MONITOR_API_SECRET", "env-secret")
	t.Setenv("MONITOR_DB_PATH", "/var/lib/monitor/env.db")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Broker.ApiKey != "env-key" {
		t.Errorf("api_key = %q, want env override", cfg.Broker.ApiKey)
	}
	if cfg.Broker.ApiSecret != "env-secret" {
		t.Errorf("api_secret = %q", cfg.Broker.ApiSecret)
	}
	if cfg.Database.Path != "/var/lib/monitor/env.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := &Config{}
		cfg.Database.Path = "/tmp/monitor.db"
		cfg.Database.TokenKey = "aa"
		cfg.Broker.BaseURL = "https://api.broker.example"
		cfg.Broker.ApiKey = "k"
		cfg.Monitor.PollInterval = 30 * time.Second
		cfg.Monitor.TimeTolerance = time.Minute
		cfg.Monitor.Timezone = "Asia/Kolkata"
		cfg.Monitor.MaxInstruments = 100
		cfg.Monitor.MaxCandles = 200
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, true},
		{"missing token key", func(c *Config) { c.Database.TokenKey = "" }, true},
		{"missing base url", func(c *Config) { c.Broker.BaseURL = "" }, true},
		{"missing api key", func(c *Config) { c.Broker.ApiKey = "" }, true},
		{"zero poll interval", func(c *Config) { c.Monitor.PollInterval = 0 }, true},
		{"zero instrument cap", func(c *Config) { c.Monitor.MaxInstruments = 0 }, true},
		{"bad timezone", func(c *Config) { c.Monitor.Timezone = "Mars/Olympus" }, true},
		{"status without port", func(c *Config) { c.Status.Enabled = true; c.Status.Port = 0 }, true},
		{"status with port", func(c *Config) { c.Status.Enabled = true; c.Status.Port = 8090 }, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
