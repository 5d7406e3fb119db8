package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDataRoot, cfg.DataRoot)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, BackendContainerd, cfg.ContainerBackend)
	assert.False(t, cfg.AutoConnectHuman)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apiary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"dataRoot: /srv/apiary\nlistenAddr: \":9000\"\nautoConnectHuman: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/apiary", cfg.DataRoot)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.True(t, cfg.AutoConnectHuman)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultImage, cfg.AgentImage)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apiary.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":9000\"\n"), 0o644))

	t.Setenv(EnvListenAddr, ":7777")
	t.Setenv(EnvProviderAPIKey, "sk-test")
	t.Setenv(EnvAutoConnectHuman, "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, "sk-test", cfg.ProviderAPIKey)
	assert.True(t, cfg.AutoConnectHuman)
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apiary.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: [oops\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestUnknownBackendRejected(t *testing.T) {
	t.Setenv(EnvContainerBackend, "docker")
	_, err := Load("")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}
