// Package config loads preforkd configuration files and watches them for
// changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/axondata/go-prefork"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from "1.5s" style strings or a
// plain number of seconds
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := prefork.ParseSeconds(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q", strings.TrimSpace(string(text)))
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the file configuration of a prefork daemon
type Config struct {
	// Workers is the desired pool size
	Workers int `yaml:"workers" toml:"workers"`
	// SpawnInterval is the cooldown after a spawn or stop
	SpawnInterval Duration `yaml:"spawn_interval" toml:"spawn_interval"`
	// ErrRespawnInterval is the cooldown after a failure
	ErrRespawnInterval Duration `yaml:"err_respawn_interval" toml:"err_respawn_interval"`
	// CallTimeout bounds each handler call, zero for none
	CallTimeout Duration `yaml:"call_timeout" toml:"call_timeout"`
	// ShutdownTimeout bounds graceful shutdown, zero to wait forever
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// StopSignal is sent to a worker when the pool shrinks
	StopSignal string `yaml:"stop_signal" toml:"stop_signal"`
	// Signals maps signal names to actions: "ignore", "TERM" or "TERM/2s"
	Signals map[string]string `yaml:"signals" toml:"signals"`
	// PIDFile is written with the manager pid when set
	PIDFile string `yaml:"pid_file" toml:"pid_file"`
	// MetricsAddr serves Prometheus metrics when set
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
	// JobsPerWorker is how many jobs a demo worker runs before exiting
	JobsPerWorker int `yaml:"jobs_per_worker" toml:"jobs_per_worker"`
}

// Default returns the configuration used for keys a file leaves out
func Default() *Config {
	return &Config{
		Workers:            4,
		SpawnInterval:      Duration(prefork.DefaultSpawnInterval),
		ErrRespawnInterval: Duration(prefork.DefaultErrRespawnInterval),
		ShutdownTimeout:    Duration(prefork.DefaultShutdownTimeout),
		StopSignal:         "TERM",
		Signals: map[string]string{
			"TERM": "TERM",
			"INT":  "TERM",
			"HUP":  "ignore",
		},
		JobsPerWorker: 10,
	}
}

// Load reads path, choosing the decoder from its extension (.yaml, .yml or
// .toml), on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data in the format named by ext
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()
	// A file that lists signals replaces the default table entirely.
	cfg.Signals = nil

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if cfg.Signals == nil {
		cfg.Signals = Default().Signals
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the manager cannot default
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.SpawnInterval < 0 || c.ErrRespawnInterval < 0 || c.CallTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if _, err := prefork.ParseSignal(c.StopSignal); err != nil {
		return fmt.Errorf("stop_signal: %w", err)
	}
	if _, err := prefork.ParseSignalTable(c.Signals); err != nil {
		return fmt.Errorf("signals: %w", err)
	}
	return nil
}

// ManagerOptions translates the configuration into manager options
func (c *Config) ManagerOptions() ([]prefork.Option, error) {
	stop, err := prefork.ParseSignal(c.StopSignal)
	if err != nil {
		return nil, err
	}
	table, err := prefork.ParseSignalTable(c.Signals)
	if err != nil {
		return nil, err
	}
	return []prefork.Option{
		prefork.WithMaxWorkers(c.Workers),
		prefork.WithSpawnInterval(time.Duration(c.SpawnInterval)),
		prefork.WithErrRespawnInterval(time.Duration(c.ErrRespawnInterval)),
		prefork.WithCallTimeout(time.Duration(c.CallTimeout)),
		prefork.WithShutdownTimeout(time.Duration(c.ShutdownTimeout)),
		prefork.WithStopSignal(stop),
		prefork.WithSignalTable(table),
	}, nil
}
