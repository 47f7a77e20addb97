package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "paths:\n  working_root: /tmp/w\n"))
	require.NoError(t, err)

	require.Equal(t, "/tmp/w", cfg.Paths.WorkingRoot)
	require.Equal(t, "./data/store", cfg.Paths.StoreRoot)
	require.Equal(t, "docker", cfg.Build.ContainerBinary)
	require.Equal(t, 30*time.Minute, cfg.BuildTimeout())
	require.Equal(t, 45*time.Minute, cfg.LeaseTTL())
	require.Equal(t, 4, cfg.Build.MaxConcurrent)
	require.Equal(t, 10, cfg.Build.HistoryLimit)
	require.Equal(t, ModeImmediate, cfg.Queue.Mode)
	require.Equal(t, "COURSE_BUILDS", cfg.Queue.Stream)
	require.Equal(t, ":8070", cfg.Server.Addr)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("COURSE_DATA", "/srv/courses")
	cfg, err := Load(writeConfig(t, `
paths:
  working_root: ${COURSE_DATA}/working
  store_root: ${COURSE_DATA}/store
  published_root: ${COURSE_DATA}/published
`))
	require.NoError(t, err)
	require.Equal(t, "/srv/courses/working", cfg.Paths.WorkingRoot)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, "{}"))
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("queued mode requires a broker URL", func(t *testing.T) {
		cfg := base()
		cfg.Queue.Mode = ModeQueued
		require.ErrorContains(t, cfg.Validate(), "nats_url")

		cfg.Queue.NATSURL = "nats://localhost:4222"
		require.NoError(t, cfg.Validate())
	})

	t.Run("unknown queue mode", func(t *testing.T) {
		cfg := base()
		cfg.Queue.Mode = "sometimes"
		require.ErrorContains(t, cfg.Validate(), "unknown queue mode")
	})

	t.Run("zone roots must be distinct", func(t *testing.T) {
		cfg := base()
		cfg.Paths.StoreRoot = cfg.Paths.PublishedRoot
		require.ErrorContains(t, cfg.Validate(), "distinct")
	})

	t.Run("durations must parse", func(t *testing.T) {
		cfg := base()
		cfg.Build.Timeout = "soon"
		require.ErrorContains(t, cfg.Validate(), "timeout")
	})
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, Init(path, false))
	require.FileExists(t, path)
	require.FileExists(t, filepath.Join(dir, "courses.yaml"))

	// The generated config loads and validates.
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.ErrorContains(t, Init(path, false), "already exists")
	require.NoError(t, Init(path, true))
}
