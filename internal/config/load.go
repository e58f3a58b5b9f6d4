package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML config file, applies defaults, validates, and returns
// the config along with any warnings (e.g. unknown fields).
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}

	return LoadBytes(data, path)
}

// LoadBytes parses TOML from raw bytes. The path argument is used only for
// error messages.
func LoadBytes(data []byte, path string) (*Config, []string, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}

	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
	}

	ApplyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, warnings, fmt.Errorf("config validation failed in %s:\n  %s",
			path, strings.Join(msgs, "\n  "))
	}

	return &cfg, warnings, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Supervisor.LogLevel == "" {
		cfg.Supervisor.LogLevel = "info"
	}
	if cfg.Supervisor.LogFormat == "" {
		cfg.Supervisor.LogFormat = "auto"
	}
	if cfg.Supervisor.ControlFD == 0 {
		cfg.Supervisor.ControlFD = 3
	}
	if cfg.Supervisor.GraceSeconds == 0 {
		cfg.Supervisor.GraceSeconds = 5
	}
	if cfg.Supervisor.ReadBufferBytes == 0 {
		cfg.Supervisor.ReadBufferBytes = 8 * 1024
	}
	if cfg.Supervisor.MaxRequestBytes == 0 {
		cfg.Supervisor.MaxRequestBytes = 1 << 20
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9631"
	}
}

// Validate checks constraints the daemon relies on.
func Validate(cfg *Config) []error {
	var errs []error

	switch cfg.Supervisor.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be auto, text, or json, not %q", cfg.Supervisor.LogFormat))
	}

	switch cfg.Supervisor.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn, or error, not %q", cfg.Supervisor.LogLevel))
	}

	if cfg.Supervisor.ControlFD < 3 {
		errs = append(errs, fmt.Errorf("control_fd must be 3 or higher, not %d", cfg.Supervisor.ControlFD))
	}
	if cfg.Supervisor.GraceSeconds < 1 {
		errs = append(errs, fmt.Errorf("grace_seconds must be at least 1, not %d", cfg.Supervisor.GraceSeconds))
	}

	// A single forwarded read is 8-64 KiB.
	if cfg.Supervisor.ReadBufferBytes < 8*1024 || cfg.Supervisor.ReadBufferBytes > 64*1024 {
		errs = append(errs, fmt.Errorf("read_buffer_bytes must be between 8192 and 65536, not %d", cfg.Supervisor.ReadBufferBytes))
	}

	if cfg.Supervisor.MaxRequestBytes < 1024 {
		errs = append(errs, fmt.Errorf("max_request_bytes must be at least 1024, not %d", cfg.Supervisor.MaxRequestBytes))
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}

	return errs
}
