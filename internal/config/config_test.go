package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	assert.Equal(t, "streamable-http", c.ServeTransport())
	assert.Equal(t, "127.0.0.1", c.ServeHost())
	assert.Equal(t, 8787, c.ServePort())
	assert.Zero(t, c.ServeTelemetryPort())
	assert.Equal(t, "default", c.ServeFields())
	assert.Equal(t, "tailscale", c.ServeTunnelMode())
	assert.Equal(t, "na", c.Region())
	assert.False(t, c.ServeNoMCP())
}

func TestFlagsOverrideDefaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, c.BindFlags(fs, ServeOptions))
	require.NoError(t, fs.Parse([]string{
		"--port", "9000",
		"--no-mcp",
		"--fields", "driving",
		"--openclaw", "wss://gw.example.com/ws",
	}))

	assert.Equal(t, 9000, c.ServePort())
	assert.True(t, c.ServeNoMCP())
	assert.Equal(t, "driving", c.ServeFields())
	assert.Equal(t, "wss://gw.example.com/ws", c.ServeOpenclaw())

	assert.True(t, c.Changed(fs, KeyServePort))
	assert.False(t, c.Changed(fs, KeyServeTelemetryPort))
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("VOLTGATE_SERVE_CLIENT_ID", "env-client")
	t.Setenv("VOLTGATE_GLOBAL_REGION", "eu")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "env-client", c.ServeClientID())
	assert.Equal(t, "eu", c.Region())
}

func TestFlagNaming(t *testing.T) {
	assert.Equal(t, "telemetry-port", flag(KeyServeTelemetryPort))
	assert.Equal(t, "openclaw-token", flag(KeyServeOpenclawToken))
	assert.Equal(t, "no-cache", flag(KeyCacheDisabled))
	assert.Equal(t, "vin", flag(KeyVIN))
}
