package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 5001 {
		t.Fatalf("unexpected default port %d", cfg.Server.Port)
	}
	if cfg.Reload.Debounce != time.Second {
		t.Fatalf("unexpected default debounce %s", cfg.Reload.Debounce)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.yaml")
	content := `
server:
  port: 6001
project:
  id: my-proj
functions:
  dir: ./fns
  node_binary: /usr/bin/node
reload:
  debounce: 2s
emulators:
  static:
    firestore:
      host: 127.0.0.1
      port: 8080
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	if cfg.Server.Port != 6001 {
		t.Fatalf("port not loaded, got %d", cfg.Server.Port)
	}
	if cfg.Project.ID != "my-proj" {
		t.Fatalf("project id not loaded, got %q", cfg.Project.ID)
	}
	if cfg.Functions.Dir != "./fns" {
		t.Fatalf("functions dir not loaded, got %q", cfg.Functions.Dir)
	}
	if cfg.Reload.Debounce != 2*time.Second {
		t.Fatalf("debounce not loaded, got %s", cfg.Reload.Debounce)
	}
	if cfg.Emulators.Static["firestore"].Port != 8080 {
		t.Fatalf("static emulator not loaded: %+v", cfg.Emulators.Static)
	}

	// The node binary comes from the file; the unset prune schedule falls
	// back to its default.
	if cfg.Functions.NodeBinary != "/usr/bin/node" {
		t.Fatalf("node binary not loaded, got %q", cfg.Functions.NodeBinary)
	}
	if cfg.History.PruneSchedule != "@hourly" {
		t.Fatalf("default prune schedule lost, got %q", cfg.History.PruneSchedule)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"missing project id", func(c *Config) { c.Project.ID = "" }},
		{"missing functions dir", func(c *Config) { c.Functions.Dir = "" }},
		{"missing node binary", func(c *Config) { c.Functions.NodeBinary = "" }},
		{"negative debounce", func(c *Config) { c.Reload.Debounce = -time.Second }},
		{"zero body size", func(c *Config) { c.Server.MaxBodySize = 0 }},
		{"bad static port", func(c *Config) {
			c.Emulators.Static = map[string]EmulatorAddress{"firestore": {Port: -1}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
