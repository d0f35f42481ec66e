package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all micfeed environment variables.
const EnvPrefix = "MICFEED_"

// Config holds the CLI-level settings for a capture run.
type Config struct {
	DeviceID   string `yaml:"device_id"` // empty means default input device
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Bitrate    int    `yaml:"bitrate"`
	Output     string `yaml:"output"`
	LogLevel   string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		SampleRate: 44100,
		Channels:   1,
		Bitrate:    128000,
		Output:     "capture.aac",
		LogLevel:   "info",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, and validates the result. A missing file
// is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "DEVICE"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv(EnvPrefix + "OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "SAMPLE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SampleRate = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("invalid sample_rate: %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return fmt.Errorf("invalid channels: %d", cfg.Channels)
	}
	if cfg.Bitrate <= 0 {
		return fmt.Errorf("invalid bitrate: %d", cfg.Bitrate)
	}
	if cfg.Output == "" {
		return fmt.Errorf("output path must not be empty")
	}
	return nil
}
