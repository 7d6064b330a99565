// Package config resolves the client configuration from defaults, an
// optional YAML file, BABEL_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "BABEL"

type Config struct {
	BackendURL string `mapstructure:"backend_url"`
	SourceLang string `mapstructure:"source_lang"`
	TargetLang string `mapstructure:"target_lang"`
	Mode       string `mapstructure:"mode"`
	Device     string `mapstructure:"device"`

	SampleRate    int           `mapstructure:"sample_rate"`
	FrameSize     int           `mapstructure:"frame_size"`
	ChunkDuration time.Duration `mapstructure:"chunk_duration"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	HealthTimeout     time.Duration `mapstructure:"health_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	StopLinger        time.Duration `mapstructure:"stop_linger"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout"`

	UtteranceFormat string `mapstructure:"utterance_format"`
	Cues            bool   `mapstructure:"cues"`
	LogPath         string `mapstructure:"log_path"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
}

func Default() Config {
	return Config{
		BackendURL:        "http://localhost:8000",
		SourceLang:        "en",
		TargetLang:        "es",
		Mode:              "streaming",
		SampleRate:        16000,
		FrameSize:         4096,
		ChunkDuration:     2 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		HealthInterval:    5 * time.Second,
		HealthTimeout:     3 * time.Second,
		RequestTimeout:    60 * time.Second,
		StopLinger:        5 * time.Second,
		StallTimeout:      5 * time.Second,
		UtteranceFormat:   "flac",
		Cues:              true,
	}
}

// SetDefaults registers every key of Default on v so that AutomaticEnv
// can resolve BABEL_* overrides during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend_url", d.BackendURL)
	v.SetDefault("source_lang", d.SourceLang)
	v.SetDefault("target_lang", d.TargetLang)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("device", d.Device)
	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("frame_size", d.FrameSize)
	v.SetDefault("chunk_duration", d.ChunkDuration)
	v.SetDefault("reconnect_attempts", d.ReconnectAttempts)
	v.SetDefault("reconnect_delay", d.ReconnectDelay)
	v.SetDefault("health_interval", d.HealthInterval)
	v.SetDefault("health_timeout", d.HealthTimeout)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("stop_linger", d.StopLinger)
	v.SetDefault("stall_timeout", d.StallTimeout)
	v.SetDefault("utterance_format", d.UtteranceFormat)
	v.SetDefault("cues", d.Cues)
	v.SetDefault("log_path", d.LogPath)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Load resolves the configuration. An explicit path must exist; without
// one, babel.yaml is looked up in the working directory and the user
// config directory and skipped if absent.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("babel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "babel"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend_url must be an absolute http(s) URL, got %q", c.BackendURL)
	}
	if c.SourceLang == "" || c.TargetLang == "" {
		return fmt.Errorf("source_lang and target_lang cannot be empty")
	}
	if c.Mode != "streaming" && c.Mode != "batch" {
		return fmt.Errorf("mode must be streaming or batch, got %q", c.Mode)
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000, got %d", c.SampleRate)
	}
	if c.FrameSize < 256 {
		return fmt.Errorf("frame_size must be at least 256 samples, got %d", c.FrameSize)
	}
	if c.ChunkDuration < 100*time.Millisecond {
		return fmt.Errorf("chunk_duration must be at least 100ms, got %s", c.ChunkDuration)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect_attempts must be at least 1, got %d", c.ReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay cannot be negative")
	}
	if c.HealthInterval <= 0 || c.HealthTimeout <= 0 {
		return fmt.Errorf("health_interval and health_timeout must be positive")
	}
	if c.HealthTimeout > c.HealthInterval {
		return fmt.Errorf("health_timeout (%s) must not exceed health_interval (%s)", c.HealthTimeout, c.HealthInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.StopLinger < 0 || c.StallTimeout < 0 {
		return fmt.Errorf("stop_linger and stall_timeout cannot be negative")
	}
	switch c.UtteranceFormat {
	case "flac", "wav":
	default:
		return fmt.Errorf("utterance_format must be flac or wav, got %q", c.UtteranceFormat)
	}
	return nil
}

// ChunkSamples is the number of samples after which the chunker emits.
func (c *Config) ChunkSamples() int {
	return int(c.ChunkDuration.Seconds() * float64(c.SampleRate))
}

type view struct {
	BackendURL        string `yaml:"backend_url"`
	SourceLang        string `yaml:"source_lang"`
	TargetLang        string `yaml:"target_lang"`
	Mode              string `yaml:"mode"`
	Device            string `yaml:"device,omitempty"`
	SampleRate        int    `yaml:"sample_rate"`
	FrameSize         int    `yaml:"frame_size"`
	ChunkDuration     string `yaml:"chunk_duration"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
	ReconnectDelay    string `yaml:"reconnect_delay"`
	HealthInterval    string `yaml:"health_interval"`
	HealthTimeout     string `yaml:"health_timeout"`
	RequestTimeout    string `yaml:"request_timeout"`
	StopLinger        string `yaml:"stop_linger"`
	StallTimeout      string `yaml:"stall_timeout"`
	UtteranceFormat   string `yaml:"utterance_format"`
	Cues              bool   `yaml:"cues"`
	LogPath           string `yaml:"log_path,omitempty"`
	MetricsAddr       string `yaml:"metrics_addr,omitempty"`
}

// YAML renders the effective configuration with durations in Go
// notation, the same form Load accepts.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(view{
		BackendURL:        c.BackendURL,
		SourceLang:        c.SourceLang,
		TargetLang:        c.TargetLang,
		Mode:              c.Mode,
		Device:            c.Device,
		SampleRate:        c.SampleRate,
		FrameSize:         c.FrameSize,
		ChunkDuration:     c.ChunkDuration.String(),
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay.String(),
		HealthInterval:    c.HealthInterval.String(),
		HealthTimeout:     c.HealthTimeout.String(),
		RequestTimeout:    c.RequestTimeout.String(),
		StopLinger:        c.StopLinger.String(),
		StallTimeout:      c.StallTimeout.String(),
		UtteranceFormat:   c.UtteranceFormat,
		Cues:              c.Cues,
		LogPath:           c.LogPath,
		MetricsAddr:       c.MetricsAddr,
	})
}
