// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load and LoadFile.
const (
	EnvConfig     = "LAIR_CONFIG"
	EnvSocketPath = "LAIR_SOCKET_PATH"
	EnvStorePath  = "LAIR_STORE_PATH"
)

// Config is the lair configuration.
type Config struct {
	// SocketPath is the Unix socket the daemon listens on and the CLI
	// connects to.
	// Default: ${XDG_RUNTIME_DIR:-/tmp}/lair/keystore.sock
	SocketPath string `yaml:"socket_path"`

	// StorePath is the sealed store file.
	// Default: ${HOME}/.local/share/lair/store.lair
	StorePath string `yaml:"store_path"`

	// MaxFrameSize is the largest frame payload either side accepts,
	// in bytes. Default: 1 MiB.
	MaxFrameSize int `yaml:"max_frame_size"`

	// ScryptWorkFactor is log2 of the scrypt cost used when a store is
	// created or its passphrase rotated. Default: 18.
	ScryptWorkFactor int `yaml:"scrypt_work_factor"`

	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Unlock    UnlockConfig    `yaml:"unlock"`
}

// LogConfig configures the daemon's structured log.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default: info.
	Level string `yaml:"level"`

	// Format is json, text, or auto (text when stderr is a terminal,
	// json otherwise). Default: auto.
	Format string `yaml:"format"`
}

// RateLimitConfig bounds how fast one connection may issue requests.
// Requests over the limit wait for a token; they are never rejected.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the bucket size. Default: 32.
	Burst int `yaml:"burst"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	// TextfilePath is where metrics are written. Empty disables export.
	TextfilePath string `yaml:"textfile_path"`

	// Interval between writes, as a Go duration. Default: 15s.
	Interval string `yaml:"interval"`
}

// UnlockConfig configures where the daemon gets its passphrase at
// startup.
type UnlockConfig struct {
	// PassphraseFile is read at startup ("-" reads one line from
	// stdin). Empty means prompt on the terminal if there is one,
	// otherwise start locked and wait for an unlock request.
	PassphraseFile string `yaml:"passphrase_file"`
}

// Default returns the default configuration. Path fields still hold
// unexpanded ${...} patterns; Load and LoadFile expand them.
func Default() *Config {
	return &Config{
		SocketPath:       "${XDG_RUNTIME_DIR:-/tmp}/lair/keystore.sock",
		StorePath:        "${HOME}/.local/share/lair/store.lair",
		MaxFrameSize:     1 << 20,
		ScryptWorkFactor: 18,
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		RateLimit: RateLimitConfig{
			Burst: 32,
		},
		Metrics: MetricsConfig{
			Interval: "15s",
		},
	}
}

// Load loads configuration from the file named by LAIR_CONFIG, or the
// defaults when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		cfg := Default()
		cfg.applyEnvironment()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. Fields the file omits keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironment()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironment applies the LAIR_* path overrides.
func (c *Config) applyEnvironment() {
	if value := os.Getenv(EnvSocketPath); value != "" {
		c.SocketPath = value
	}
	if value := os.Getenv(EnvStorePath); value != "" {
		c.StorePath = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.SocketPath = expandVars(c.SocketPath, vars)
	c.StorePath = expandVars(c.StorePath, vars)
	c.Metrics.TextfilePath = expandVars(c.Metrics.TextfilePath, vars)
	c.Unlock.PassphraseFile = expandVars(c.Unlock.PassphraseFile, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// MetricsInterval parses Metrics.Interval.
func (c *Config) MetricsInterval() (time.Duration, error) {
	interval, err := time.ParseDuration(c.Metrics.Interval)
	if err != nil {
		return 0, fmt.Errorf("metrics.interval %q: %w", c.Metrics.Interval, err)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("metrics.interval must be positive, got %s", interval)
	}
	return interval, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.SocketPath == "" {
		errs = append(errs, fmt.Errorf("socket_path is required"))
	} else if !filepath.IsAbs(c.SocketPath) {
		errs = append(errs, fmt.Errorf("socket_path must be absolute, got %q", c.SocketPath))
	}
	if c.StorePath == "" {
		errs = append(errs, fmt.Errorf("store_path is required"))
	} else if !filepath.IsAbs(c.StorePath) {
		errs = append(errs, fmt.Errorf("store_path must be absolute, got %q", c.StorePath))
	}

	if c.MaxFrameSize < 1024 || c.MaxFrameSize > 64<<20 {
		errs = append(errs, fmt.Errorf("max_frame_size must be between 1024 and %d, got %d", 64<<20, c.MaxFrameSize))
	}
	// age accepts 1..30; below 10 offers no real protection.
	if c.ScryptWorkFactor < 10 || c.ScryptWorkFactor > 22 {
		errs = append(errs, fmt.Errorf("scrypt_work_factor must be between 10 and 22, got %d", c.ScryptWorkFactor))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	formats := []string{"auto", "json", "text"}
	if !contains(formats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formats))
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second must not be negative"))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.burst must be at least 1 when a rate is set"))
	}

	if c.Metrics.TextfilePath != "" {
		if _, err := c.MetricsInterval(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the socket and store directories (mode 0700) if
// they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{filepath.Dir(c.SocketPath), filepath.Dir(c.StorePath)} {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
