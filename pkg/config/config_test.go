package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REPOSITORIES", "cuemby/fleetcore,cuemby/other")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"cuemby/fleetcore", "cuemby/other"}, cfg.Repositories)
	assert.Equal(t, 1, cfg.MinRunners)
	assert.Equal(t, 3, cfg.MaxDynamicPerRepo)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval())
	assert.Equal(t, 300*time.Second, cfg.IdleTimeout())
	assert.Equal(t, 10*time.Second, cfg.LeaseTTL())
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_DYNAMIC_PER_REPO", "7")
	t.Setenv("IDLE_TIMEOUT_SECONDS", "120")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxDynamicPerRepo)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout())
}

func TestValidateRejectsEmptyRepositories(t *testing.T) {
	t.Setenv("REPOSITORIES", "")
	_, err := Load()
	assert.ErrorContains(t, err, "REPOSITORIES")
}

func TestValidateRejectsNegativeMaxDynamic(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_DYNAMIC_PER_REPO", "-1")
	_, err := Load()
	assert.ErrorContains(t, err, "MAX_DYNAMIC_PER_REPO")
}

func TestValidateRejectsZeroMinRunners(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MIN_RUNNERS", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "MIN_RUNNERS")
}

func TestValidateRejectsTokenRefreshAtOrPastProviderTTL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TOKEN_REFRESH_INTERVAL_SECONDS", "3600")
	_, err := Load()
	assert.ErrorContains(t, err, "TOKEN_REFRESH_INTERVAL_SECONDS")
}

func TestValidateTrimsRepositoryWhitespace(t *testing.T) {
	t.Setenv("REPOSITORIES", " cuemby/fleetcore , cuemby/other ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"cuemby/fleetcore", "cuemby/other"}, cfg.Repositories)
}

func TestImageForAndMaxDynamicForFallBackWithoutOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WORKER_IMAGE", "ghcr.io/cuemby/fleetcore-runner:v1")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ghcr.io/cuemby/fleetcore-runner:v1", cfg.ImageFor("cuemby/fleetcore"))
	assert.Equal(t, 3, cfg.MaxDynamicFor("cuemby/fleetcore"))
}

func TestLoadAppliesRepoConfigFileOverrides(t *testing.T) {
	setBaseEnv(t)
	dir := t.TempDir()
	path := dir + "/repos.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
repositories:
  cuemby/fleetcore:
    workerImage: ghcr.io/cuemby/fleetcore-runner:pinned
    maxDynamic: 9
`), 0o644))
	t.Setenv("REPO_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/cuemby/fleetcore-runner:pinned", cfg.ImageFor("cuemby/fleetcore"))
	assert.Equal(t, 9, cfg.MaxDynamicFor("cuemby/fleetcore"))
	assert.Equal(t, 3, cfg.MaxDynamicFor("cuemby/other")) // no override, falls back to default
}

func TestLoadRejectsUnreadableRepoConfigFile(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REPO_CONFIG_FILE", "/nonexistent/repos.yaml")
	_, err := Load()
	assert.ErrorContains(t, err, "REPO_CONFIG_FILE")
}
