package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
storage:
  driver: sqlite
  dsn: %[1]s/db/voting.db
registry:
  seed_file: %[1]s/seed.json
election:
  key_file: %[1]s/keys/election_key.json
ledger:
  dir: %[1]s/ledger
log:
  level: error
`, dir)
	path := filepath.Join(dir, "votingd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestReconcileCommand(t *testing.T) {
	cfg := writeConfig(t)

	out := run(t, "--config", cfg, "reconcile", "--threshold", "10m")

	var report struct {
		Reset int `json:"reset"`
		Stats struct {
			Total int `json:"total"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Zero(t, report.Reset)
	assert.Zero(t, report.Stats.Total)

	dir := filepath.Dir(cfg)
	assert.FileExists(t, filepath.Join(dir, "seed.json"))
	assert.FileExists(t, filepath.Join(dir, "keys", "election_key.json"))
	assert.FileExists(t, filepath.Join(dir, "db", "voting.db"))
}

func TestChainCommands(t *testing.T) {
	cfg := writeConfig(t)

	out := run(t, "--config", cfg, "chain", "validate")
	assert.Contains(t, out, "chain valid: 1 blocks")

	out = run(t, "--config", cfg, "chain", "status")
	assert.Contains(t, out, "blocks:    1")
}
