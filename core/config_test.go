package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "atlas", config.Name)
	assert.Equal(t, 8080, config.Port)
	assert.InDelta(t, 0.6, config.Decision.ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.5, config.Decision.RiskTolerance, 1e-9)
	assert.Equal(t, "mean", config.Decision.Aggregator)
	assert.Equal(t, 1000, config.Audit.MaxHistory)
	assert.Equal(t, 5*time.Minute, config.Approval.DefaultTimeout)
	assert.False(t, config.Approval.AutoExecuteOnTimeout)
	assert.True(t, config.Executor.Sandbox)
	assert.False(t, config.Redis.Enabled)
	assert.Len(t, config.Routing.Categories, 8)
	assert.Equal(t, "security", config.Routing.Categories[0].Name)
}

func TestNewConfigOptionPrecedence(t *testing.T) {
	t.Setenv("ATLAS_PORT", "9000")
	t.Setenv("ATLAS_CONFIDENCE_THRESHOLD", "0.7")

	config, err := NewConfig(WithPort(9999))
	require.NoError(t, err)

	// Options override env; untouched env values stick.
	assert.Equal(t, 9999, config.Port)
	assert.InDelta(t, 0.7, config.Decision.ConfidenceThreshold, 1e-9)
}

func TestNewConfigEnvOverrides(t *testing.T) {
	t.Setenv("ATLAS_NAME", "atlas-staging")
	t.Setenv("ATLAS_MAX_AUDIT_HISTORY", "50")
	t.Setenv("ATLAS_APPROVAL_TIMEOUT", "90s")
	t.Setenv("ATLAS_EXECUTOR_SANDBOX", "false")
	t.Setenv("ATLAS_REDIS_URL", "redis://localhost:6379")

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "atlas-staging", config.Name)
	assert.Equal(t, 50, config.Audit.MaxHistory)
	assert.Equal(t, 90*time.Second, config.Approval.DefaultTimeout)
	assert.False(t, config.Executor.Sandbox)
	assert.True(t, config.Redis.Enabled)
	assert.Equal(t, "redis://localhost:6379", config.Redis.URL)
}

func TestNewConfigInvalidEnv(t *testing.T) {
	t.Setenv("ATLAS_PORT", "not-a-port")
	_, err := NewConfig()
	assert.Error(t, err)
}

func TestOptionValidation(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
	}{
		{"empty name", WithName("")},
		{"port too low", WithPort(0)},
		{"port too high", WithPort(70000)},
		{"threshold above one", WithConfidenceThreshold(1.5)},
		{"tolerance below zero", WithRiskTolerance(-0.1)},
		{"zero audit history", WithMaxAuditHistory(0)},
		{"zero approval timeout", WithApprovalTimeout(0)},
		{"zero monitor interval", WithMonitor("disk", "server_monitor-agent", "", 0)},
		{"empty redis url", WithRedisURL("")},
		{"unknown log format", WithLogFormat("xml")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.opt)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestWithMonitorAppends(t *testing.T) {
	config, err := NewConfig(
		WithMonitor("disk_check", "server_monitor-agent", "hourly disk check", time.Hour),
		WithMonitor("inbox", "communication-agent", "inbox sweep", 2*time.Minute),
	)
	require.NoError(t, err)

	require.Len(t, config.Monitors, 2)
	assert.Equal(t, "disk_check", config.Monitors[0].Name)
	assert.Equal(t, time.Hour, config.Monitors[0].Interval)
	assert.Equal(t, RiskLow, config.Monitors[0].Risk)
	assert.Equal(t, UrgencyLow, config.Monitors[0].Urgency)
}

func TestWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	content := `
name: atlas-file
port: 8181
decision:
  confidence_threshold: 0.8
monitors:
  - name: disk_check
    worker: server_monitor-agent
    interval: 30m
    risk: medium
    urgency: low
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := NewConfig(WithConfigFile(path), WithPort(9090))
	require.NoError(t, err)

	assert.Equal(t, "atlas-file", config.Name)
	// Later options win over file values.
	assert.Equal(t, 9090, config.Port)
	assert.InDelta(t, 0.8, config.Decision.ConfidenceThreshold, 1e-9)
	require.Len(t, config.Monitors, 1)
	assert.Equal(t, RiskMedium, config.Monitors[0].Risk)
}

func TestWithConfigFileMissing(t *testing.T) {
	_, err := NewConfig(WithConfigFile("/nonexistent/atlas.yaml"))
	assert.Error(t, err)
}

func TestMonitorIntervalEnvOverride(t *testing.T) {
	t.Setenv("ATLAS_MONITOR_INTERVALS", "disk_check=45s, inbox=3m")

	config := DefaultConfig()
	config.Monitors = []MonitorConfig{
		{Name: "disk_check", Worker: "server_monitor-agent", Interval: time.Hour},
		{Name: "inbox", Worker: "communication-agent", Interval: time.Hour},
		{Name: "other", Worker: "security-agent", Interval: time.Hour},
	}
	require.NoError(t, config.LoadFromEnv())

	assert.Equal(t, 45*time.Second, config.Monitors[0].Interval)
	assert.Equal(t, 3*time.Minute, config.Monitors[1].Interval)
	assert.Equal(t, time.Hour, config.Monitors[2].Interval)
}

func TestMonitorIntervalEnvMalformed(t *testing.T) {
	t.Setenv("ATLAS_MONITOR_INTERVALS", "disk_check")
	config := DefaultConfig()
	assert.Error(t, config.LoadFromEnv())
}

func TestValidateRejectsDuplicateCategories(t *testing.T) {
	config := DefaultConfig()
	config.Routing.Categories = append(config.Routing.Categories, RoutingCategory{
		Name:     "security",
		Keywords: []string{"again"},
	})
	err := config.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestValidateRejectsAnonymousMonitor(t *testing.T) {
	config := DefaultConfig()
	config.Monitors = []MonitorConfig{{Interval: time.Minute}}
	assert.Error(t, config.Validate())
}
