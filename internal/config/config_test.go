package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Runner.Workers)
	require.Equal(t, "sqlite", cfg.Manifest.Backend)
	require.Equal(t, "local", cfg.Storage.Backend)
	require.Equal(t, "ZK_1_NB_1", cfg.Archive.SeedID)
	require.Equal(t, "https://v0.api.niklas-luhmann-archiv.de/ZK/zettel", cfg.Archive.RecordAPIURL)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
runner:
  workers: 16
manifest:
  backend: postgres
  dsn: postgres://localhost/zk
storage:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 16, cfg.Runner.Workers)
	require.Equal(t, "postgres", cfg.Manifest.Backend)
	require.Equal(t, "memory", cfg.Storage.Backend)
}

func TestValidate_Failures(t *testing.T) {
	base := func(t *testing.T) Config {
		t.Helper()
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base(t)
	cfg.Runner.Workers = 0
	require.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Manifest.Backend = "cassandra"
	require.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Manifest.Backend = "postgres"
	cfg.Manifest.DSN = ""
	require.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Storage.Backend = "gcs"
	require.Error(t, cfg.Validate(), "gcs backend needs a bucket")

	cfg = base(t)
	cfg.Reconcile.Topic = "zk-passes"
	require.Error(t, cfg.Validate(), "topic needs a project id")

	cfg = base(t)
	cfg.Headless.Enabled = true
	cfg.Headless.MaxParallel = 0
	require.Error(t, cfg.Validate())
}
