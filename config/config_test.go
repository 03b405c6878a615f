package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votingd.yaml")
	body := `
storage:
  driver: memory
ledger:
  timeout: 750ms
reconcile:
  threshold: 10m
print_queue:
  default_priority: 40
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	t.Setenv("VOTING_PRINT_QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("VOTING_SERVER_ADDR", "127.0.0.1:9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 750*time.Millisecond, cfg.Ledger.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Reconcile.Threshold)
	assert.Equal(t, 40, cfg.PrintQueue.DefaultPriority)
	assert.Equal(t, 5, cfg.PrintQueue.MaxAttempts)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":     func(c *Config) { c.Storage.Driver = "postgres" },
		"dsn":        func(c *Config) { c.Storage.DSN = "" },
		"attempts":   func(c *Config) { c.PrintQueue.MaxAttempts = 0 },
		"priority":   func(c *Config) { c.PrintQueue.DefaultPriority = 101 },
		"interval":   func(c *Config) { c.Reconcile.Interval = 0 },
		"threshold":  func(c *Config) { c.Reconcile.Threshold = -time.Second },
		"difficulty": func(c *Config) { c.Ledger.Difficulty = 4 },
		"timeout":    func(c *Config) { c.Ledger.Timeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("module", "test").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"module":"test"`)

	buf.Reset()
	console, err := NewLogger(LogConfig{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)
	console.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	_, err = NewLogger(LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = NewLogger(LogConfig{Level: "info", Format: "xml"}, &buf)
	assert.Error(t, err)
}
