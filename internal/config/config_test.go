package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEnclaveConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadEnclaveConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultEnclaveConfig().VsockPort, cfg.VsockPort)
}

func TestLoadEnclaveConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclaved.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
track_name = "messaging-push-prod"
vsock_port = 7000
`), 0600))

	cfg, err := LoadEnclaveConfig(path)
	require.NoError(t, err)
	require.Equal(t, "messaging-push-prod", cfg.TrackName)
	require.Equal(t, uint32(7000), cfg.VsockPort)
	require.Equal(t, DefaultEnclaveConfig().PushTimeout, cfg.PushTimeout)
}

func TestEnclaveConfigValidate(t *testing.T) {
	cfg := DefaultEnclaveConfig()
	require.Error(t, cfg.Validate()) // missing track_name

	cfg.TrackName = "messaging-push-prod"
	require.NoError(t, cfg.Validate())

	cfg.MaxConcurrentDeliveries = 0
	require.Error(t, cfg.Validate())
}

func TestCoordinatorConfigValidate(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	require.Error(t, cfg.Validate()) // missing track_name

	cfg.TrackName = "messaging-push-prod"
	require.NoError(t, cfg.Validate())
}
