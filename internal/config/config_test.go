package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, 20, cfg.ChatContextWindowSize)
	assert.Equal(t, 60*time.Second, cfg.StreamStallTimeout)
	assert.Equal(t, 15*time.Second, cfg.StreamHeartbeat)
	assert.Equal(t, "ollama", cfg.AIProvider)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "llama3:latest", cfg.Models[0].Name)
	assert.Equal(t, "ollama", cfg.Models[0].Provider)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "8")
	t.Setenv("AI_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("STREAM_STALL_TIMEOUT", "5s")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.ChatContextWindowSize)
	assert.Equal(t, "openai", cfg.AIProvider)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.StreamStallTimeout)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "gpt-4o-mini", cfg.Models[0].Name)
}

func TestLoad_WindowOutOfRangeFallsBack(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.ChatContextWindowSize)
}

func TestLoad_ModelsFromFile(t *testing.T) {
	dir := chdirTemp(t)
	body := `
models:
  - name: deepseek-chat
    provider: openai
    max_tokens: 8192
    sort_order: 1
  - name: llama3:latest
    provider: ollama
    active: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, "deepseek-chat", cfg.Models[0].Name)
	assert.Equal(t, 8192, cfg.Models[0].MaxTokens)
	require.NotNil(t, cfg.Models[1].Active)
	assert.False(t, *cfg.Models[1].Active)
}
