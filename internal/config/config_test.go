package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/axondata/go-prefork"
	"github.com/google/renameio/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, renameio.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "preforkd.yaml", `
workers: 6
spawn_interval: 250ms
err_respawn_interval: 2
call_timeout: 1.5s
stop_signal: QUIT
signals:
  TERM: TERM/1s
  USR1: ignore
pid_file: /run/preforkd.pid
metrics_addr: 127.0.0.1:9100
jobs_per_worker: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.SpawnInterval)
	assert.Equal(t, Duration(2*time.Second), cfg.ErrRespawnInterval)
	assert.Equal(t, Duration(1500*time.Millisecond), cfg.CallTimeout)
	assert.Equal(t, Duration(prefork.DefaultShutdownTimeout), cfg.ShutdownTimeout)
	assert.Equal(t, "QUIT", cfg.StopSignal)
	assert.Equal(t, map[string]string{"TERM": "TERM/1s", "USR1": "ignore"}, cfg.Signals)
	assert.Equal(t, "/run/preforkd.pid", cfg.PIDFile)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.Equal(t, 3, cfg.JobsPerWorker)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "preforkd.toml", `
workers = 2
shutdown_timeout = "10s"
call_timeout = 3

[signals]
INT = "TERM"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, Duration(10*time.Second), cfg.ShutdownTimeout)
	assert.Equal(t, Duration(3*time.Second), cfg.CallTimeout)
	assert.Equal(t, map[string]string{"INT": "TERM"}, cfg.Signals)
	assert.Equal(t, "TERM", cfg.StopSignal)
}

func TestLoadDefaultsSignalTable(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "c.yml", "workers: 1\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Signals, cfg.Signals)
	assert.Equal(t, 10, cfg.JobsPerWorker)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown format", "c.json", `{"workers":1}`},
		{"bad yaml", "c.yaml", "workers: [\n"},
		{"bad toml", "c.toml", "workers = \n"},
		{"zero workers", "c.yaml", "workers: 0\n"},
		{"bad duration", "c.yaml", "spawn_interval: soon\n"},
		{"negative interval", "c.yaml", "call_timeout: -1s\n"},
		{"bad stop signal", "c.yaml", "stop_signal: NOPE\n"},
		{"bad signal action", "c.toml", "[signals]\nTERM = \"TERM/x\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, dir, tt.file, tt.content)
			if _, err := Load(path); err == nil {
				t.Fatal("Load() should fail")
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !os.IsNotExist(err) {
		t.Errorf("Load(missing) error = %v, want not-exist", err)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 0.25 ")))
	assert.Equal(t, Duration(250*time.Millisecond), d)

	text, err := Duration(90 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("later")))
	for _, bad := range []string{"NaN", "Inf", "-Inf", "1e300"} {
		assert.Error(t, d.UnmarshalText([]byte(bad)), "UnmarshalText(%q)", bad)
	}
}

func TestManagerOptions(t *testing.T) {
	cfg := Default()
	cfg.Workers = 5
	cfg.StopSignal = "USR2"
	cfg.CallTimeout = Duration(time.Second)
	cfg.Signals = map[string]string{"TERM": "INT/500ms"}

	opts, err := cfg.ManagerOptions()
	require.NoError(t, err)

	m, err := prefork.NewManager(opts...)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Desired())
	assert.Equal(t, syscall.SIGUSR2, m.StopSignal)
	assert.Equal(t, time.Second, m.CallTimeout)
	assert.Equal(t, prefork.Stagger(syscall.SIGINT, 500*time.Millisecond), m.Signals[syscall.SIGTERM])
}
