// Package config handles loading and validating spawnmux configuration.
// Every setting has a default: the daemon runs with no config file at
// all, preserving the bare argv-less invocation contract.
package config

// Config is the top-level spawnmux configuration.
type Config struct {
	Supervisor SupervisorConfig `toml:"supervisor"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// SupervisorConfig holds daemon-level settings.
type SupervisorConfig struct {
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	ControlFD       int    `toml:"control_fd"`
	GraceSeconds    int    `toml:"grace_seconds"`
	ReadBufferBytes int    `toml:"read_buffer_bytes"`
	MaxRequestBytes int    `toml:"max_request_bytes"`
}

// MetricsConfig holds the optional Prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}
