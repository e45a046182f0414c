package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file path cannot be empty")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeTempFile(t, "cfg.toml", `
[server]
listen_address = ":8443"

[logging]
log_level = "DEBUG"

[http2]
max_concurrent_streams = 50
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.Server.ListenAddress)
	assert.Equal(t, LogLevelDebug, cfg.Logging.LogLevel)
	require.NotNil(t, cfg.Http2.MaxConcurrentStreams)
	assert.EqualValues(t, 50, *cfg.Http2.MaxConcurrentStreams)
	// defaults fill in the rest
	require.NotNil(t, cfg.Http2.InitialWindowSize)
	assert.EqualValues(t, DefaultInitialWindowSize, *cfg.Http2.InitialWindowSize)
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeTempFile(t, "cfg.json", `{
		"server": {"listen_address": ":9443"},
		"http2": {"initial_window_size": 131072}
	}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Server.ListenAddress)
	require.NotNil(t, cfg.Http2.InitialWindowSize)
	assert.EqualValues(t, 131072, *cfg.Http2.InitialWindowSize)
}

func TestLoadConfig_MalformedTOML(t *testing.T) {
	path := writeTempFile(t, "bad.toml", `this is not = [valid toml`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	require.NotNil(t, cfg.Server)
	assert.Equal(t, DefaultListenAddress, cfg.Server.ListenAddress)

	require.NotNil(t, cfg.Logging)
	assert.Equal(t, LogLevelInfo, cfg.Logging.LogLevel)
	require.NotNil(t, cfg.Logging.ErrorLog)
	assert.Equal(t, "stderr", cfg.Logging.ErrorLog.Target)
	require.NotNil(t, cfg.Logging.AccessLog)
	assert.True(t, *cfg.Logging.AccessLog.Enabled)

	require.NotNil(t, cfg.Http2)
	assert.EqualValues(t, DefaultHeaderTableSize, *cfg.Http2.HeaderTableSize)
	assert.True(t, *cfg.Http2.EnablePush)
	assert.EqualValues(t, DefaultMaxConcurrentStreams, *cfg.Http2.MaxConcurrentStreams)
	assert.EqualValues(t, DefaultInitialWindowSize, *cfg.Http2.InitialWindowSize)
	assert.EqualValues(t, DefaultMaxFrameSize, *cfg.Http2.MaxFrameSize)
	assert.EqualValues(t, DefaultMaxHeaderListSize, *cfg.Http2.MaxHeaderListSize)
	assert.Equal(t, DefaultStreamIdleTimeout, *cfg.Http2.StreamIdleTimeout)
	assert.Equal(t, DefaultSessionIdleTimeout, *cfg.Http2.SessionIdleTimeout)
	assert.Equal(t, FlowControlStrategySimple, cfg.Http2.FlowControlStrategy)
}

func TestIsFilePath(t *testing.T) {
	assert.False(t, IsFilePath(""))
	assert.False(t, IsFilePath("stdout"))
	assert.False(t, IsFilePath("stderr"))
	assert.True(t, IsFilePath("/var/log/h2session.log"))
}
