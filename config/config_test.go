package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigFile(t.TempDir() + "/forge.yaml")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ".builder-cache", cfg.CacheDir)
	assert.Equal(t, SandboxStrict, cfg.Sandbox)
	assert.Greater(t, cfg.Parallelism, 0)
	assert.Equal(t, ".builder-cache/actions", cfg.ActionsDir())
	assert.Equal(t, ".builder-cache/cas", cfg.CASDir())
	assert.Equal(t, ".builder-cache/recordings", cfg.RecordingsDir())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BUILDER_CACHE_DIR", "/tmp/other-cache")
	t.Setenv("BUILDER_PARALLELISM", "4")
	t.Setenv("BUILDER_LOG_LEVEL", "debug")

	v := viper.New()
	v.SetConfigFile(t.TempDir() + "/forge.yaml")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other-cache", cfg.CacheDir)
	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidSandboxMode(t *testing.T) {
	v := viper.New()
	v.SetConfigFile(t.TempDir() + "/forge.yaml")
	v.Set("sandbox", "yolo")

	_, err := Load(v)
	assert.Error(t, err)
}

func TestLoadNonPositiveParallelismFallsBackToNumCPU(t *testing.T) {
	v := viper.New()
	v.SetConfigFile(t.TempDir() + "/forge.yaml")
	v.Set("parallelism", 0)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Greater(t, cfg.Parallelism, 0)
}
