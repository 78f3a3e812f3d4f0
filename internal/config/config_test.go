package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for env := range envSpec {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "MEDIUM", cfg.PermissibilityTier)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, 131072, cfg.MaxOutputBytes)
}

func TestEnvOverridesDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("SSHBROKER_PERMISSIBILITY_TIER", "HIGH")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "HIGH", cfg.PermissibilityTier)
}

func TestYAMLOverridesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SSHBROKER_PERMISSIBILITY_TIER", "HIGH")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("permissibility_tier: LOW\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "LOW", cfg.PermissibilityTier)
}

func TestUnknownTierDefaultsToMedium(t *testing.T) {
	clearEnv(t)
	t.Setenv("SSHBROKER_PERMISSIBILITY_TIER", "NONSENSE")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "MEDIUM", cfg.PermissibilityTier)
}

func TestInvalidMaxSessionsIsConfigError(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingKeyPathIsConfigError(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("key_path: /no/such/file\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
