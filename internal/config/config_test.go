package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(flags)
	return flags
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(newFlags())
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 1, cfg.Shards)
	assert.Equal(t, 768, cfg.Dim)
}

func TestLoadRejectsNonPositiveDim(t *testing.T) {
	flags := newFlags()
	require.NoError(t, flags.Set("dim", "0"))
	_, err := Load(flags)
	require.Error(t, err)
}

func TestLoadRejectsInvalidShardCount(t *testing.T) {
	flags := newFlags()
	require.NoError(t, flags.Set("shards", "3"))
	_, err := Load(flags)
	require.Error(t, err)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SUTRA_DATA_DIR", "/env/data")
	flags := newFlags()
	require.NoError(t, flags.Set("data-dir", "/flag/data"))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "/flag/data", cfg.DataDir)
}

func TestEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /file/data\n"), 0644))

	t.Setenv("SUTRA_DATA_DIR", "/env/data")
	flags := newFlags()
	require.NoError(t, flags.Set("config", path))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "/env/data", cfg.DataDir)
}

func TestConfigFileIsUsedWhenNoFlagOrEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /file/data\nshards: 4\n"), 0644))

	flags := newFlags()
	require.NoError(t, flags.Set("config", path))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "/file/data", cfg.DataDir)
	assert.Equal(t, 4, cfg.Shards)
}

func TestLoadRejectsMismatchedTLSFlags(t *testing.T) {
	flags := newFlags()
	require.NoError(t, flags.Set("tls-cert", "cert.pem"))
	_, err := Load(flags)
	require.Error(t, err)
}
