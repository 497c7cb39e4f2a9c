package config_test

import (
	"os"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/tabsdata/scheduler/internal/config"
)

func TestLoadFallsBackToDefaultWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir, nil)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ListenAddr = "0.0.0.0:9000"
	require.NoError(t, cfg.Save(dir))

	loaded, err := config.Load(dir, nil)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", loaded.ListenAddr)
}

func TestEnvOverridesFileValue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.Default().Save(dir))

	require.NoError(t, os.Setenv("TDSERVER_DATABASE_PATH", "/tmp/override.db"))
	defer os.Unsetenv("TDSERVER_DATABASE_PATH")

	loaded, err := config.Load(dir, pflag.NewFlagSet("test", pflag.ContinueOnError))
	require.NoError(t, err)
	require.Equal(t, "/tmp/override.db", loaded.DatabasePath)
}
