package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/lifecycle"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gracekit.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
workers = 4
transport = "nats"
nats_url = "nats://10.0.0.1:4222"
cluster = "orders"
log_level = "debug"
metrics_addr = ":9464"

[shutdown]
timeout = "2500ms"
forced_exit_code = 3
`)
	cfg, err := LoadWithEnv(path, noEnv)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Workers != 4 || cfg.Transport != ipc.TransportNATS || cfg.NATSURL != "nats://10.0.0.1:4222" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Cluster != "orders" || cfg.LogLevel != "debug" || cfg.MetricsAddr != ":9464" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Shutdown.Timeout != 2500*time.Millisecond || cfg.Shutdown.ForcedExitCode != 3 {
		t.Errorf("unexpected shutdown config %+v", cfg.Shutdown)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "workers = 2\n")
	cfg, err := LoadWithEnv(path, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 2 {
		t.Errorf("workers = %d", cfg.Workers)
	}
	if cfg.Shutdown != DefaultConfig().Shutdown || cfg.Transport != ipc.TransportPipe {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
workers = 4
log_level = "warn"
[shutdown]
timeout = "10s"
`)
	env := map[string]string{
		EnvWorkers:         "8",
		EnvShutdownTimeout: "1s",
		EnvLogLevel:        "error",
	}
	cfg, err := LoadWithEnv(path, func(k string) string { return env[k] })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 8 || cfg.Shutdown.Timeout != time.Second || cfg.LogLevel != "error" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"bad toml", "workers = ", nil},
		{"bad duration", "[shutdown]\ntimeout = \"soon\"\n", nil},
		{"unknown key", "wrokers = 2\n", nil},
		{"negative workers", "workers = -1\n", nil},
		{"unknown transport", "transport = \"carrier-pigeon\"\n", nil},
		{"bad cluster", "transport = \"nats\"\ncluster = \"a b\"\n", nil},
		{"bad level", "log_level = \"loud\"\n", nil},
		{"forced code range", "[shutdown]\nforced_exit_code = 300\n", nil},
		{"bad env workers", "", map[string]string{EnvWorkers: "many"}},
		{"bad env timeout", "", map[string]string{EnvShutdownTimeout: "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := LoadWithEnv(path, func(k string) string { return tt.env[k] })
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := LoadWithEnv(filepath.Join(t.TempDir(), "nope.toml"), noEnv); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shutdown.Timeout = 3 * time.Second
	cfg.Shutdown.ForcedExitCode = 7

	lc := cfg.Lifecycle(lifecycle.Config{WorkerID: "2"})
	if lc.ShutdownTimeout != 3*time.Second || lc.ForcedExitCode != 7 || lc.WorkerID != "2" {
		t.Errorf("lifecycle config = %+v", lc)
	}
}

func TestSpawner(t *testing.T) {
	cfg := DefaultConfig()
	if s := cfg.Spawner(nil, nil); s.Transport != ipc.TransportPipe || s.Bus != nil {
		t.Errorf("pipe spawner = %+v", s)
	}

	cfg.Transport = ipc.TransportNATS
	cfg.Cluster = "orders"
	s := cfg.Spawner(nil, nil)
	if s.Transport != ipc.TransportNATS || s.NATSURL != cfg.NATSURL || s.Cluster != "orders" {
		t.Errorf("nats spawner = %+v", s)
	}
}
