package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mcpilot/internal/config"
)

const testConfigJSON = `{
  "ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-test"}]},
  "servers": {
    "filesystem": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-filesystem", "."], "enabled": true, "description": "Local files"},
    "weather": {"command": "uvx", "args": ["mcp-weather"]}
  }
}`

// useConfigFile points the commands at a temporary config file.
func useConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	previous := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = previous })
	return path
}

func TestListServers(t *testing.T) {
	cfg := config.DefaultConfig()

	out := &bytes.Buffer{}
	listServers(out, cfg)
	assert.Equal(t, "No servers configured.\n", out.String())

	cfg.Servers = map[string]config.ServerConfig{
		"weather":    {Command: "uvx", Args: []string{"mcp-weather"}},
		"filesystem": {Command: "npx", Enabled: true, Description: "Local files"},
	}
	cfg.DefaultServer = "filesystem"

	out.Reset()
	listServers(out, cfg)
	output := out.String()
	assert.Contains(t, output, "* filesystem")
	assert.Contains(t, output, "Local files")
	assert.Contains(t, output, "uvx mcp-weather")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("filesystem")), bytes.Index(out.Bytes(), []byte("weather")))
}

func TestUpdateServers(t *testing.T) {
	path := useConfigFile(t, testConfigJSON)

	out := &bytes.Buffer{}
	require.NoError(t, updateServers(out, "enable", "weather", func(cfg *config.Config) error {
		return cfg.SetServerEnabled("weather", true)
	}))
	assert.Equal(t, "Server weather: enabled\n", out.String())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Servers["weather"].Enabled)
	assert.True(t, cfg.Servers["filesystem"].Enabled)
	assert.Equal(t, []string{"mcp-weather"}, cfg.Servers["weather"].Args)
	require.NotEmpty(t, cfg.AI.Profiles)
	assert.Equal(t, "main", cfg.AI.Profiles[0].ID)
}

func TestUpdateServers_UnknownServer(t *testing.T) {
	path := useConfigFile(t, testConfigJSON)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = updateServers(&bytes.Buffer{}, "enable", "calendar", func(cfg *config.Config) error {
		return cfg.SetServerEnabled("calendar", true)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown server")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a failed change is not saved")
}

func TestServersCommands(t *testing.T) {
	path := useConfigFile(t, testConfigJSON)

	run := func(args ...string) string {
		t.Helper()
		out := &bytes.Buffer{}
		cmd := GetRootCmd()
		cmd.SetOut(out)
		cmd.SetArgs(append([]string{"--config", path}, args...))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("servers", "default", "weather"), "Server weather: set as default")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "weather", cfg.DefaultServer)
	assert.True(t, cfg.Servers["weather"].Enabled)

	assert.Contains(t, run("servers", "disable", "weather"), "Server weather: disabled")

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.DefaultServer)
	assert.False(t, cfg.Servers["weather"].Enabled)

	assert.Contains(t, run("servers", "list"), "filesystem")
}
