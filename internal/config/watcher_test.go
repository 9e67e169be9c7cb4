package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchEnclaveConfigReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclaved.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
track_name = "messaging-push-prod"
log_level = "info"
`), 0600))

	changed := make(chan *EnclaveConfig, 1)
	watcher, err := WatchEnclaveConfig(path, func(cfg *EnclaveConfig) {
		changed <- cfg
	}, func(err error) {
		t.Logf("watch error: %v", err)
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
track_name = "messaging-push-prod"
log_level = "debug"
`), 0600))

	select {
	case cfg := <-changed:
		require.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatchEnclaveConfigReportsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclaved.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
track_name = "messaging-push-prod"
`), 0600))

	errs := make(chan error, 1)
	watcher, err := WatchEnclaveConfig(path, func(cfg *EnclaveConfig) {
		t.Fatal("onChange should not fire for a config that fails validation")
	}, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Close()

	// An empty track_name fails Validate.
	require.NoError(t, os.WriteFile(path, []byte(`
track_name = ""
`), 0600))

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
}
