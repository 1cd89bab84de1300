package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.Node.ParticipantID = "alice"
	return cfg
}

func TestDefaultConfigWithParticipantIsValid(t *testing.T) {
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_DisabledSectionsAllowZeroValues(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Quality.Enabled = false
	cfg.Quality.Interval = 0
	cfg.Quality.MaxTrips = 0
	cfg.Adaptation.Enabled = false
	cfg.Adaptation.Interval = 0
	cfg.Adaptation.DecreaseFactor = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when monitoring and adaptation are disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "participant id required",
			mutate: func(c *Config) { c.Node.ParticipantID = "" },
		},
		{
			name:   "unknown role",
			mutate: func(c *Config) { c.Node.Role = "guest" },
		},
		{
			name:   "initial tier without preset",
			mutate: func(c *Config) { c.Media.InitialTier = "4k" },
		},
		{
			name:   "missing preset",
			mutate: func(c *Config) { delete(c.Media.Presets, "low") },
		},
		{
			name: "inverted bitrate range",
			mutate: func(c *Config) {
				p := c.Media.Presets["medium"]
				p.MinBitrate, p.MaxBitrate = 900, 300
				c.Media.Presets["medium"] = p
			},
		},
		{
			name:   "quality interval must be > 0",
			mutate: func(c *Config) { c.Quality.Interval = 0 },
		},
		{
			name:   "decrease factor must be < 1",
			mutate: func(c *Config) { c.Adaptation.DecreaseFactor = 1 },
		},
		{
			name:   "datachannel label required",
			mutate: func(c *Config) { c.DataChannel.Label = "" },
		},
		{
			name:   "unknown transport",
			mutate: func(c *Config) { c.Signaling.Transport = "carrier-pigeon" },
		},
		{
			name: "port range inverted",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
				c.WebRTC.PortRange.Max = 40000
			},
		},
		{
			name:   "no codecs",
			mutate: func(c *Config) { c.WebRTC.Codecs = nil },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callmesh.yaml")
	data := []byte(`
node:
  participant_id: bob
  role: host
quality:
  interval: 5s
datachannel:
  label: chat
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CALLMESH_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ParticipantID != "bob" || cfg.Node.Role != "host" {
		t.Errorf("node section not loaded: %+v", cfg.Node)
	}
	if cfg.Quality.Interval != 5*time.Second {
		t.Errorf("quality.interval = %v, want 5s", cfg.Quality.Interval)
	}
	if cfg.DataChannel.Label != "chat" {
		t.Errorf("datachannel.label = %q, want chat", cfg.DataChannel.Label)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want env override debug", cfg.Logging.Level)
	}
	if _, ok := cfg.Media.Presets["ultra"]; !ok {
		t.Errorf("default presets should survive partial yaml")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CALLMESH_PARTICIPANT_ID", "carol")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ParticipantID != "carol" {
		t.Errorf("participant id = %q, want carol", cfg.Node.ParticipantID)
	}
}
