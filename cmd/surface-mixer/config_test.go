package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags() (*Config, *pflag.FlagSet) {
	c := &Config{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.bind(fs)
	return c, fs
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "SURFACE_LISTEN_HOST", envName("listen-host"))
	assert.Equal(t, "SURFACE_WIDTH", envName("width"))
}

func TestDefaults(t *testing.T) {
	c, fs := newFlags()
	require.NoError(t, fs.Parse(nil))
	assert.Equal(t, ":5000", c.Addr)
	assert.Equal(t, 640, c.MergedWidth)
	assert.Equal(t, 360, c.MergedHeight)
	assert.Equal(t, 3, c.MaxClients)
}

func TestLoadEnvFillsUnsetFlags(t *testing.T) {
	t.Setenv("SURFACE_WIDTH", "1280")
	t.Setenv("SURFACE_ADDR", ":7000")

	c, fs := newFlags()
	require.NoError(t, fs.Parse([]string{"--addr", ":6000"}))
	require.NoError(t, loadEnv(fs, ""))

	assert.Equal(t, 1280, c.MergedWidth)
	assert.Equal(t, ":6000", c.Addr)
}

func TestLoadEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("SURFACE_MAX_CLIENTS=8\nSURFACE_LISTEN_HOST=127.0.0.1\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("SURFACE_MAX_CLIENTS")
		os.Unsetenv("SURFACE_LISTEN_HOST")
	})

	c, fs := newFlags()
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, loadEnv(fs, file))
	assert.Equal(t, 8, c.MaxClients)
	assert.Equal(t, "127.0.0.1", c.ListenHost)

	require.NoError(t, loadEnv(fs, filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadEnvRejectsBadValue(t *testing.T) {
	t.Setenv("SURFACE_HEIGHT", "tall")
	_, fs := newFlags()
	require.NoError(t, fs.Parse(nil))
	assert.Error(t, loadEnv(fs, ""))
}
