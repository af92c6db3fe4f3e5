package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
poll_interval: 10s
max_poll_count: 20
retention_days: 30
projects:
  payments:
    approvers: ["alice", "@Bob"]
    ops: ["carol"]
    jenkins:
      enabled: true
      url: https://jenkins.internal
      username: deploy
      token: secret
      max_concurrent_builds: 2
    sso:
      enabled: false
  ledger:
    approvers: ["dave"]
    notify_ops_on: all
    sso:
      enabled: true
      url: https://sso.internal
      token: tok
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 20, cfg.MaxPollCount)
	// not set in the file, default applies
	assert.Equal(t, 3, cfg.PollRetries)

	p := cfg.Project("payments")
	require.NotNil(t, p)
	assert.True(t, p.Jenkins.Enabled)
	assert.Equal(t, 2, p.Jenkins.MaxConcurrentBuilds)
	assert.False(t, p.SSO.Enabled)
	assert.Nil(t, cfg.Project("unknown"))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"enabled without url", `
projects:
  p:
    jenkins: {enabled: true, token: t}
`},
		{"enabled without credentials", `
projects:
  p:
    jenkins: {enabled: true, url: "https://j"}
`},
		{"negative ceiling", `
projects:
  p:
    jenkins: {enabled: true, url: "https://j", token: t, max_concurrent_builds: -1}
`},
		{"bad notify mode", `
projects:
  p:
    notify_ops_on: sometimes
`},
		{"zero poll interval", `poll_interval: 0s`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval: 5s
max_poll_count: 10
retention_days: 7
`), 0o644))
	require.NoError(t, cfg.Reload())
	assert.Equal(t, 5*time.Second, cfg.PollInterval)

	// A broken file leaves the previous config in effect.
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: -1s"), 0o644))
	assert.Error(t, cfg.Reload())
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestIsAuthorized(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	tests := []struct {
		name    string
		project string
		actor   string
		role    Role
		want    bool
	}{
		{"approver", "payments", "alice", RoleApprover, true},
		{"approver with at-prefix config", "payments", "bob", RoleApprover, true},
		{"case insensitive", "payments", "ALICE", RoleApprover, true},
		{"actor with at-prefix", "payments", "@carol", RoleOps, true},
		{"ops is not approver", "payments", "carol", RoleApprover, false},
		{"unknown actor", "payments", "mallory", RoleApprover, false},
		{"unknown project", "nope", "alice", RoleApprover, false},
		{"empty actor", "payments", "", RoleApprover, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.IsAuthorized(tt.project, tt.actor, tt.role)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNotifyOps(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	payments := cfg.Project("payments") // default: failure-only
	assert.True(t, payments.NotifyOps(true))
	assert.False(t, payments.NotifyOps(false))

	ledger := cfg.Project("ledger") // notify_ops_on: all
	assert.True(t, ledger.NotifyOps(false))
}
