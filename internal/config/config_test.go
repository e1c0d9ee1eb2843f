package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoOverrides(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().DataDir, cfg.DataDir)
	require.Equal(t, 10*time.Second, cfg.ReaperInterval)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /var/lib/agentcom\nretain_daily: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/agentcom", cfg.DataDir)
	require.Equal(t, 3, cfg.RetainDaily)
}

func TestLoadMissingYAMLFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestEnvVarsOverrideYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/yaml\n"), 0o644))

	t.Setenv("DATA_DIR", "/from/env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.DataDir)
}

func TestEnvVarsOverrideDurationsAndInts(t *testing.T) {
	t.Setenv("REAPER_INTERVAL", "5s")
	t.Setenv("RETAIN_DAILY", "14")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.ReaperInterval)
	require.Equal(t, 14, cfg.RetainDaily)
}

func TestGitHubWebhookSecretComesFromEnvOnly(t *testing.T) {
	t.Setenv("GITHUB_WEBHOOK_SECRET", "shh")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "shh", cfg.GitHubWebhookSecret)
}
