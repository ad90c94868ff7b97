package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/types"
)

func TestDefaultsAreValid(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Defaults()

	require.NoError(t, loader.Validate(cfg))
	assert.Equal(t, "static-v3", cfg.Controller.Tiers.Static.StoreName())
	assert.Equal(t, types.ClearPolicyAlways, cfg.Reconciler.ClearPolicy)
	assert.Equal(t, "offlineQueue_v1", cfg.Queue.Key)
	assert.Len(t, cfg.Controller.AppShell, 11)
	assert.Equal(t, "/", cfg.Controller.AppShell[0])
	assert.Equal(t, "/gen/gen9.jpg", cfg.Controller.AppShell[10])
}

func TestLoadFromBytesOverlaysDefaults(t *testing.T) {
	cfg, err := NewLoader().LoadFromBytes([]byte(`
controller:
  origin: https://dex.example.com
  fetch_timeout: 3s
  tiers:
    data:
      name: data
      version: v4
store:
  type: sqlite
  path: /tmp/offline.db
reconciler:
  clear_policy: applied
`))
	require.NoError(t, err)

	assert.Equal(t, "https://dex.example.com", cfg.Controller.Origin)
	assert.Equal(t, 3*time.Second, cfg.Controller.FetchTimeout)
	assert.Equal(t, "data-v4", cfg.Controller.Tiers.Data.StoreName())
	assert.Equal(t, "static-v3", cfg.Controller.Tiers.Static.StoreName())
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, types.ClearPolicyApplied, cfg.Reconciler.ClearPolicy)
	assert.Equal(t, 8080, cfg.Server.HTTP.Port)
}

func TestLoadFromBytesRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"clear policy": "reconciler:\n  clear_policy: sometimes\n",
		"origin":       "controller:\n  origin: not a url\n",
		"empty shell":  "controller:\n  app_shell: []\n",
		"link url":     "connectivity:\n  link:\n    enabled: true\n",
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader().LoadFromBytes([]byte(data))
			assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
		})
	}

	_, err := NewLoader().LoadFromBytes([]byte("controller: ["))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)
}

func TestConfigurationManagerLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: dex\nqueue:\n  key: q2\n"), 0o600))

	manager, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "dex", manager.GetConfig().Name)
	assert.Equal(t, "q2", manager.GetConfig().Queue.Key)

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
}

func TestConfigurationManagerRequiresPath(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStaticManagerValidates(t *testing.T) {
	cfg := NewLoader().Defaults()
	cfg.Queue.Key = ""

	_, err := NewStaticManager(cfg)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	manager, err := NewStaticManager(NewLoader().Defaults())
	require.NoError(t, err)
	assert.ErrorIs(t, manager.Load(), types.ErrConfigInvalidPath)
}
