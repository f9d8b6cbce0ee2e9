package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-openai-bridge/internal/config"
	"github.com/mihaisavezi/claude-openai-bridge/internal/modelmap"
)

func TestFilterEnv(t *testing.T) {
	env := []string{"PATH=/bin", "OPENAI_API_KEY=old", "OPENAI_API_KEY_FILE=keep", "HOME=/root"}

	got := filterEnv(env, "OPENAI_API_KEY")

	assert.Equal(t, []string{"PATH=/bin", "OPENAI_API_KEY_FILE=keep", "HOME=/root"}, got)
	assert.Len(t, env, 4, "input slice must not be modified")
}

func TestBridgeEnv(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantKey string
	}{
		{name: "configured key", apiKey: "secret", wantKey: "OPENAI_API_KEY=secret"},
		{name: "placeholder key", apiKey: "", wantKey: "OPENAI_API_KEY=" + placeholderKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Host: "127.0.0.1", Port: 7000, APIKey: tt.apiKey}
			env := []string{"OPENAI_BASE_URL=https://api.openai.com/v1", "OPENAI_API_KEY=sk-real", "TERM=xterm"}

			got := bridgeEnv(env, cfg)

			assert.Contains(t, got, "TERM=xterm")
			assert.Contains(t, got, "OPENAI_BASE_URL=http://127.0.0.1:7000/v1")
			assert.Contains(t, got, "OPENAI_API_BASE=http://127.0.0.1:7000/v1")
			assert.Contains(t, got, tt.wantKey)
			assert.NotContains(t, got, "OPENAI_API_KEY=sk-real")
			assert.NotContains(t, got, "OPENAI_BASE_URL=https://api.openai.com/v1")
		})
	}
}

func TestPromptConfig(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")

	var out bytes.Buffer

	cfg, err := promptConfig(strings.NewReader("sk-ant-test\n\nbridge-key\n7001\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", cfg.Backend.APIKey)
	assert.Equal(t, config.DefaultBaseURL, cfg.Backend.BaseURL)
	assert.Equal(t, "bridge-key", cfg.APIKey)
	assert.Equal(t, 7001, cfg.Port)
	assert.NoError(t, cfg.Validate())
	assert.Contains(t, out.String(), "Anthropic API Key")
}

func TestPromptConfig_BadPort(t *testing.T) {
	_, err := promptConfig(strings.NewReader("key\n\n\nnope\n"), &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid port")
}

func TestWriteAliasTable(t *testing.T) {
	custom := map[string]string{"house-model": "claude-opus-4-20250514"}
	mapper := modelmap.New()
	mapper.SetMapping(custom)

	var out bytes.Buffer
	writeAliasTable(&out, mapper, custom)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, len(mapper.Aliases())+1)
	assert.True(t, strings.HasPrefix(lines[0], "ALIAS"))

	var houseLine, thinkingLine string

	for _, line := range lines {
		switch strings.Fields(line)[0] {
		case "house-model":
			houseLine = line
		case "claude-thinking":
			thinkingLine = line
		}
	}

	assert.Contains(t, houseLine, "claude-opus-4-20250514")
	assert.Contains(t, houseLine, "custom")
	assert.Contains(t, thinkingLine, "reasoning")
}
