package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"deploymentName": "kgym-test",
		"dbPath": "/var/lib/kgym/scheduler.db",
		"storage": {"providerType": "local", "providerConfig": {"root": "/tmp/kgym"}},
		"workerConfigs": {"builder": {"parallel": 4}}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kgym-test", cfg.DeploymentName)
	assert.Equal(t, "0.0.0.0", cfg.Listen)
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, "local", cfg.Storage.ProviderType)
	assert.JSONEq(t, `{"parallel": 4}`, string(cfg.WorkerConfig("builder")))
	assert.JSONEq(t, `null`, string(cfg.WorkerConfig("runner")))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			DeploymentName: "d",
			DBPath:         "p",
		}
	}

	cfg := base()
	cfg.Storage.ProviderType = "local"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	assert.Error(t, cfg.Validate(), "storage provider is required")

	cfg = Config{DBPath: "p"}
	cfg.Storage.ProviderType = "local"
	assert.Error(t, cfg.Validate(), "deployment name is required")

	cfg = Config{DeploymentName: "d"}
	cfg.Storage.ProviderType = "local"
	assert.Error(t, cfg.Validate(), "db path is required")
}
