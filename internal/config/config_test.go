package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
llm:
  provider: openai
  base_url: https://api.example.com
  api_key: dummy
  model: gpt-4o
  timeout: 30s
server:
  host: 0.0.0.0
  port: "8080"
storage:
  backend: file
  file:
    dir: /tmp/chatcore
turn:
  max_round_trips: 3
modes:
  default: cheflog
  profiles:
    general:
      aliases: [brainstorm, chat_general]
      instructions: "You brainstorm."
      tools: [search]
      tool_choice: auto
    cheflog:
      aliases: [chef, cook, main]
      instructions_path: ./instructions/base.txt
      collection: chat_sessions
mcp_servers:
  - type: stdio
    command: ./mock
    args: ["--flag"]
    env:
      FOO: bar
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	require.NoError(t, err)
	_, err = tmp.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	return tmp.Name()
}

// TestLoad_FromConfigPath verifies that Load unmarshals every section of the file.
func TestLoad_FromConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "gpt-4o", cfg.LLM.Model)
	require.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	require.Equal(t, BackendFile, cfg.Storage.Backend)
	require.Equal(t, "/tmp/chatcore", cfg.Storage.File.Dir)
	require.Equal(t, 3, cfg.Turn.MaxRoundTrips)
	require.Equal(t, 60*time.Second, cfg.Turn.ToolTimeout, "default applies when unset")
	require.Equal(t, "cheflog", cfg.Modes.Default)
	require.Len(t, cfg.Modes.Profiles, 2)
	require.Equal(t, []string{"search"}, cfg.Modes.Profiles["general"].Tools)
	require.Equal(t, []string{"chef", "cook", "main"}, cfg.Modes.Profiles["cheflog"].Aliases)

	require.Len(t, cfg.MCPServers, 1)
	s := cfg.MCPServers[0]
	require.Equal(t, ClientTypeStdio, s.Type)
	require.Equal(t, "./mock", s.Command)
	require.Equal(t, []string{"--flag"}, s.Args)
	require.Equal(t, "bar", s.Env["foo"], "viper lower-cases map keys")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("CHATCORE_LLM_MODEL", "grok-4")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "grok-4", cfg.LLM.Model)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "storage:\n  backend: mongo\n"))

	_, err := Load()
	require.ErrorContains(t, err, "storage.mongo.uri")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/definitely/not/here.yaml")

	_, err := Load()
	require.Error(t, err)
}
