package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, 0.7, cfg.Compliance.HighThreshold)
	assert.Equal(t, 0.5, cfg.Compliance.MediumThreshold)
	assert.Equal(t, 10, cfg.Feedback.TrainingPairThreshold)
	assert.Equal(t, 1, cfg.Feedback.RatingMin)
	assert.Equal(t, 5, cfg.Feedback.RatingMax)
	assert.False(t, cfg.Services.WorkflowEngine.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Workflow.ReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.OrphanGrace)
	assert.Empty(t, cfg.Ingestion.AllowedHosts)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
services:
  compliance:
    url: "http://compliance.internal:9000/"
    timeout: 90s
  workflow_engine:
    enabled: true
    url: http://engine:7233
feedback:
  training_pair_threshold: 4
ingestion:
  allowed_hosts:
    - mcgm.gov.in
    - .punecorporation.org
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("ARCHFLOW_COMPLIANCE_HIGH_THRESHOLD", "0.8")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://compliance.internal:9000", cfg.Services.Compliance.URL)
	assert.Equal(t, 90*time.Second, cfg.Services.Compliance.Timeout)
	assert.True(t, cfg.Services.WorkflowEngine.Enabled)
	assert.Equal(t, "http://engine:7233", cfg.Services.WorkflowEngine.URL)
	assert.Equal(t, 4, cfg.Feedback.TrainingPairThreshold)
	assert.Equal(t, 0.8, cfg.Compliance.HighThreshold)
	assert.Equal(t, []string{"mcgm.gov.in", ".punecorporation.org"}, cfg.Ingestion.AllowedHosts)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
