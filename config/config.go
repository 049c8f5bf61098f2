// Package config loads gracekit settings from a TOML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/gracekit/bus"
	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/fleet"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/lifecycle"
	"github.com/vinayprograms/gracekit/logging"
)

// Environment overrides, applied after the file.
const (
	EnvWorkers         = "GRACEKIT_WORKERS"
	EnvShutdownTimeout = "GRACEKIT_SHUTDOWN_TIMEOUT"
	EnvLogLevel        = "GRACEKIT_LOG_LEVEL"
)

// Config holds process settings.
type Config struct {
	// Workers to spawn on the master. 0 means one per logical CPU.
	Workers int

	// Transport of the control links: ipc.TransportPipe or
	// ipc.TransportNATS.
	Transport string

	// NATSURL is the server for the NATS transport.
	NATSURL string

	// Cluster namespaces bus subjects when several masters share a server.
	Cluster string

	// LogLevel is debug, info, warn or error.
	LogLevel string

	// MetricsAddr serves /metrics when set.
	MetricsAddr string

	Shutdown ShutdownConfig
}

// ShutdownConfig holds escalation settings.
type ShutdownConfig struct {
	// Timeout arms the escalation timer. Zero disables it.
	Timeout time.Duration

	// ForcedExitCode is reported for workers killed by a forced shutdown.
	ForcedExitCode int
}

type fileConfig struct {
	Workers     int          `toml:"workers"`
	Transport   string       `toml:"transport"`
	NATSURL     string       `toml:"nats_url"`
	Cluster     string       `toml:"cluster"`
	LogLevel    string       `toml:"log_level"`
	MetricsAddr string       `toml:"metrics_addr"`
	Shutdown    fileShutdown `toml:"shutdown"`
}

type fileShutdown struct {
	Timeout        string `toml:"timeout"`
	ForcedExitCode int    `toml:"forced_exit_code"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Transport: ipc.TransportPipe,
		NATSURL:   bus.DefaultNATSConfig().URL,
		Cluster:   "default",
		LogLevel:  "info",
		Shutdown: ShutdownConfig{
			Timeout:        5 * time.Second,
			ForcedExitCode: lifecycle.DefaultForcedExitCode,
		},
	}
}

// Load reads path, if not empty, over the defaults and applies the
// environment overrides.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with a custom environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.InvalidInput("load config "+path, errors.WithCause(err))
	}

	if meta.IsDefined("workers") {
		c.Workers = raw.Workers
	}
	if meta.IsDefined("transport") {
		c.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("nats_url") {
		c.NATSURL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("cluster") {
		c.Cluster = strings.TrimSpace(raw.Cluster)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_addr") {
		c.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("shutdown", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Shutdown.Timeout))
		if err != nil {
			return errors.InvalidInput("parse shutdown.timeout", errors.WithCause(err))
		}
		c.Shutdown.Timeout = d
	}
	if meta.IsDefined("shutdown", "forced_exit_code") {
		c.Shutdown.ForcedExitCode = raw.Shutdown.ForcedExitCode
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.InvalidInput(fmt.Sprintf("unknown config key %q", undecoded[0].String()))
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.InvalidInput("parse "+EnvWorkers, errors.WithCause(err))
		}
		c.Workers = n
	}
	if v := strings.TrimSpace(getenv(EnvShutdownTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.InvalidInput("parse "+EnvShutdownTimeout, errors.WithCause(err))
		}
		c.Shutdown.Timeout = d
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return errors.InvalidInput("workers must not be negative")
	}
	switch c.Transport {
	case ipc.TransportPipe:
	case ipc.TransportNATS:
		if c.NATSURL == "" {
			return errors.InvalidInput("nats transport requires nats_url")
		}
		if err := bus.ValidateSubject(c.Cluster); err != nil {
			return errors.InvalidInput("invalid cluster name "+strconv.Quote(c.Cluster), errors.WithCause(err))
		}
	default:
		return errors.InvalidInput("unknown transport " + strconv.Quote(c.Transport))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.InvalidInput("unknown log level " + strconv.Quote(c.LogLevel))
	}
	if c.Shutdown.Timeout < 0 {
		return errors.InvalidInput("shutdown.timeout must not be negative")
	}
	if c.Shutdown.ForcedExitCode < 0 || c.Shutdown.ForcedExitCode > 255 {
		return errors.InvalidInput("shutdown.forced_exit_code must be within 0..255")
	}
	return nil
}

// Logger returns a logger at the configured level.
func (c Config) Logger() *logging.Logger {
	l := logging.New()
	l.SetLevel(logging.ParseLevel(c.LogLevel))
	return l
}

// Lifecycle fills the controller settings derived from c.
func (c Config) Lifecycle(lc lifecycle.Config) lifecycle.Config {
	lc.ShutdownTimeout = c.Shutdown.Timeout
	lc.ForcedExitCode = c.Shutdown.ForcedExitCode
	return lc
}

// Spawner returns the worker spawner for the configured transport. b is
// required for the NATS transport; it is the bus the master's links use.
func (c Config) Spawner(b bus.MessageBus, logger *logging.Logger) *fleet.ExecSpawner {
	s := &fleet.ExecSpawner{
		Transport: c.Transport,
		Logger:    logger,
	}
	if c.Transport == ipc.TransportNATS {
		s.Bus = b
		s.NATSURL = c.NATSURL
		s.Cluster = c.Cluster
	}
	return s
}
