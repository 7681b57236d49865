package fallback_test

import (
	"testing"

	"github.com/kiranshivaraju/cardscan/internal/config"
	"github.com/kiranshivaraju/cardscan/internal/fallback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_Ollama(t *testing.T) {
	cfg := config.AIConfig{
		Provider: "ollama",
		Ollama:   config.OllamaConfig{BaseURL: "http://localhost:11434", Model: "llava"},
	}
	p, err := fallback.NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
}

func TestNewProvider_VLLM(t *testing.T) {
	cfg := config.AIConfig{
		Provider: "vllm",
		VLLM:     config.VLLMConfig{BaseURL: "http://localhost:8000/v1", Model: "qwen2-vl"},
	}
	p, err := fallback.NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "vllm", p.Name())
}

func TestNewProvider_OpenAI(t *testing.T) {
	cfg := config.AIConfig{
		Provider: "openai",
		OpenAI:   config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
	}
	p, err := fallback.NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestNewProvider_Anthropic(t *testing.T) {
	cfg := config.AIConfig{
		Provider:  "anthropic",
		Anthropic: config.AnthropicConfig{APIKey: "sk-ant-test", Model: "claude-sonnet-4-5"},
	}
	p, err := fallback.NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := fallback.NewProvider(config.AIConfig{Provider: "bard"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown AI provider")
}

func TestPricing_Cost(t *testing.T) {
	p := fallback.Pricing{InputPerMTok: 3, OutputPerMTok: 15}
	assert.InDelta(t, 0.003+0.0015, p.Cost(1000, 100), 1e-12)
	assert.Zero(t, fallback.Pricing{}.Cost(1000, 100))
}
