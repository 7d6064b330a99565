package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.ChunkSamples(); got != 32000 {
		t.Errorf("ChunkSamples() = %d, want 32000", got)
	}
	if cfg.ReconnectAttempts != 5 || cfg.ReconnectDelay != time.Second {
		t.Errorf("reconnect policy = %d/%s, want 5/1s", cfg.ReconnectAttempts, cfg.ReconnectDelay)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReconnectAttempts != 5 || cfg.ReconnectDelay != time.Second {
		t.Errorf("reconnect policy = %d/%s, want 5/1s", cfg.ReconnectAttempts, cfg.ReconnectDelay)
	}
	if cfg.HealthInterval != 5*time.Second || cfg.HealthTimeout != 3*time.Second {
		t.Errorf("health policy = %s/%s, want 5s/3s", cfg.HealthInterval, cfg.HealthTimeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BABEL_BACKEND_URL", "https://translate.example.com/")
	t.Setenv("BABEL_CHUNK_DURATION", "1500ms")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BackendURL != "https://translate.example.com" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.ChunkDuration != 1500*time.Millisecond {
		t.Errorf("ChunkDuration = %s, want 1.5s", cfg.ChunkDuration)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "babel.yaml")
	body := "mode: batch\nsource_lang: de\nreconnect_attempts: 2\nstop_linger: 250ms\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "batch" || cfg.SourceLang != "de" || cfg.TargetLang != "es" {
		t.Errorf("got mode=%s src=%s tgt=%s", cfg.Mode, cfg.SourceLang, cfg.TargetLang)
	}
	if cfg.ReconnectAttempts != 2 || cfg.StopLinger != 250*time.Millisecond {
		t.Errorf("got attempts=%d linger=%s", cfg.ReconnectAttempts, cfg.StopLinger)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative url", func(c *Config) { c.BackendURL = "localhost:8000" }, "backend_url"},
		{"bad mode", func(c *Config) { c.Mode = "live" }, "mode"},
		{"zero attempts", func(c *Config) { c.ReconnectAttempts = 0 }, "reconnect_attempts"},
		{"timeout over interval", func(c *Config) { c.HealthTimeout = 10 * time.Second }, "health_timeout"},
		{"tiny chunk", func(c *Config) { c.ChunkDuration = time.Millisecond }, "chunk_duration"},
		{"format", func(c *Config) { c.UtteranceFormat = "mp3" }, "utterance_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestYAMLRoundTripsThroughLoad(t *testing.T) {
	cfg := Default()
	cfg.ChunkDuration = 3 * time.Second
	out, err := cfg.YAML()
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if m["chunk_duration"] != "3s" {
		t.Errorf("chunk_duration = %v, want 3s", m["chunk_duration"])
	}

	path := filepath.Join(t.TempDir(), "babel.yaml")
	if err := os.WriteFile(path, out, 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(viper.New(), path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != cfg {
		t.Errorf("loaded %+v, want %+v", loaded, cfg)
	}
}
