package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 15*time.Minute, cfg.AutoLock)
	assert.Equal(t, 15*time.Second, cfg.ClipboardClear)
	assert.Equal(t, time.Hour, cfg.SnapshotInterval)
	assert.Equal(t, 10, cfg.EditThreshold)
	assert.Equal(t, 5, cfg.MaxVersions)
	assert.Equal(t, 10, cfg.MaxSnapshots)
	assert.Equal(t, 30*24*time.Hour, cfg.SnapshotMaxAge)
	assert.Equal(t, 500, cfg.JournalCap)
	assert.Equal(t, time.Hour, cfg.UnlockTokenTTL)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"auto_lock: 5m\nedit_threshold: 3\ndata_dir: /tmp/keeper-test\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.AutoLock)
	assert.Equal(t, 3, cfg.EditThreshold)
	assert.Equal(t, "/tmp/keeper-test", cfg.DataDir)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.ClipboardClear)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().AutoLock, cfg.AutoLock)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auto_lock: 5m\n"), 0600))
	t.Setenv("KDBXKEEPER_AUTO_LOCK", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.AutoLock)
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("edit_threshold: -1\n"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}
