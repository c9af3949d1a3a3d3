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
	cfg := Defaults()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10000, cfg.MaxMessagesLimit)
	assert.Greater(t, cfg.MaxConnections, 0)
	assert.Greater(t, cfg.HTTPRequestTimeout, time.Duration(0))
	assert.Greater(t, cfg.WSUpgradeRateLimit, 0)
	assert.Greater(t, cfg.WSUpgradeRateWindow, time.Duration(0))
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("STREAMROOM_PORT", "9999")
	t.Setenv("STREAMROOM_LOG_LEVEL", "debug")
	t.Setenv("STREAMROOM_MAX_PROJECTS", "42")

	cfg := Defaults()
	cfg.ApplyEnv()

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 42, cfg.MaxProjects)
}

func TestApplyEnvLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := Defaults()
	cfg.ApplyEnv()
	assert.Equal(t, Defaults().Port, cfg.Port)
}

func TestLoadFileMissingPathIsNotAnError(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.LoadFile(""))
}

func TestLoadFileMissingFileIsNotAnError(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")))
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "port: 7777\ndata_dir: /var/streamroom\nmax_projects: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "/var/streamroom", cfg.DataDir)
	assert.Equal(t, 10, cfg.MaxProjects)
	assert.Equal(t, Defaults().LogLevel, cfg.LogLevel, "fields absent from the file keep their prior value")
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [this is not valid"), 0o644))

	cfg := Defaults()
	assert.Error(t, cfg.LoadFile(path))
}

func TestArchiveEnabledDerivesFromBucket(t *testing.T) {
	t.Setenv("STREAMROOM_ARCHIVE_BUCKET", "my-bucket")

	cfg := Defaults()
	cfg.ApplyEnv()

	assert.True(t, cfg.ArchiveEnabled, "setting a bucket implicitly enables archival")
	assert.Equal(t, "my-bucket", cfg.ArchiveBucket)
}
