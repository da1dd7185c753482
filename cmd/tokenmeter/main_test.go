package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `
db_path: ` + filepath.Join(dir, "tokenmeter.db") + `
log:
  level: error
  format: json
cache:
  enabled: true
  db_path: ` + filepath.Join(dir, "cache.db") + `
audit:
  enabled: true
  db_path: ` + filepath.Join(dir, "audit.db") + `
plans:
  - id: pro
    kind: paid
    monthly_tokens: 1000
    monthly_price_cents: 900
  - id: trial
    kind: trial
    monthly_tokens: 200
    trial_days: 14
packages:
  - id: small
    tokens: 500
    price_cents: 100
`
	path := filepath.Join(dir, "tokenmeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := run(t, configPath, args...)
	require.NoError(t, err, "%v\n%s", args, out)
	return out
}

func TestSubscriptionLifecycle(t *testing.T) {
	cfg := writeTestConfig(t)

	out := mustRun(t, cfg, "subscription", "create", "--user", "alice", "--org", "acme", "--plan", "pro")
	assert.Contains(t, out, "active")

	out = mustRun(t, cfg, "tokens", "add", "1", "200")
	assert.Contains(t, out, "Balance: 200")

	out = mustRun(t, cfg, "charge", "1", "--tokens", "1100", "--model", "gpt-4")
	assert.Contains(t, out, "1000 from subscription, 100 from balance")

	_, err := run(t, cfg, "charge", "1", "--tokens", "500", "--model", "gpt-4")
	assert.Error(t, err, "insufficient tokens")

	out = mustRun(t, cfg, "tokens", "purchase", "1", "small")
	assert.Contains(t, out, "Balance: 600")

	out = mustRun(t, cfg, "verify")
	assert.Contains(t, out, "yes", "consistent balance")

	out = mustRun(t, cfg, "history", "1", "--source", "balance")
	assert.Contains(t, out, "Showing 1 of 1 entries.")

	out = mustRun(t, cfg, "history", "1", "--summary")
	assert.Contains(t, out, "gpt-4")

	out = mustRun(t, cfg, "audit", "search", "--subscription", "1", "--action", "charge")
	assert.Contains(t, out, "charge")

	out = mustRun(t, cfg, "subscription", "reset-period", "1")
	assert.Contains(t, out, "Remaining:     1000", "fresh allotment")

	_, err = run(t, cfg, "subscription", "change-plan", "1", "trial")
	assert.Error(t, err, "paid to trial change")

	out = mustRun(t, cfg, "subscription", "cancel", "1", "--reason", "done")
	assert.Contains(t, out, "cancelled")

	out = mustRun(t, cfg, "subscription", "list", "--status", "cancelled")
	assert.Contains(t, out, "alice")
}

func TestTrialCommands(t *testing.T) {
	cfg := writeTestConfig(t)

	mustRun(t, cfg, "subscription", "create", "--user", "bob", "--org", "acme", "--plan", "trial")

	out := mustRun(t, cfg, "subscription", "extend-trial", "1", "--days", "3")
	assert.Contains(t, out, "Trial days:    17")

	out = mustRun(t, cfg, "subscription", "change-plan", "1", "pro")
	assert.Contains(t, out, "Status:        active", "activation on paid plan")

	out = mustRun(t, cfg, "sweep")
	assert.Contains(t, out, "Due: 0")
}

func TestPlansCommand(t *testing.T) {
	cfg := writeTestConfig(t)

	out := mustRun(t, cfg, "plans")
	for _, want := range []string{"pro", "paid", "9.00 USD", "trial", "14d", "small"} {
		assert.Contains(t, out, want)
	}
}

func TestInvalidArguments(t *testing.T) {
	cfg := writeTestConfig(t)

	tests := map[string][]string{
		"non-numeric id":       {"subscription", "show", "abc"},
		"unknown subscription": {"subscription", "show", "99"},
		"unknown source":       {"history", "1", "--source", "credit"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, cfg, args...)
			assert.Error(t, err)
		})
	}
}
