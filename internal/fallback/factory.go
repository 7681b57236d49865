// Package fallback is the paid vision-model client used when embedding
// retrieval is not confident enough.
package fallback

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/cardscan/internal/config"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// NewProvider constructs the configured vision provider.
// Called once at worker startup.
func NewProvider(cfg config.AIConfig) (models.VisionProvider, error) {
	pricing := Pricing{InputPerMTok: cfg.InputCostPerMTok, OutputPerMTok: cfg.OutputCostPerMTok}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider("openai", cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.InferenceTimeout, pricing), nil
	case "vllm":
		// self-hosted: tokens are not billed
		return NewOpenAIProvider("vllm", v1(cfg.VLLM.BaseURL), "", cfg.VLLM.Model, cfg.InferenceTimeout, Pricing{}), nil
	case "ollama":
		return NewOpenAIProvider("ollama", v1(cfg.Ollama.BaseURL), "", cfg.Ollama.Model, cfg.InferenceTimeout, Pricing{}), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.Anthropic.BaseURL, cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.InferenceTimeout, pricing), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
}

// v1 appends the OpenAI-compatible API prefix served by vLLM and Ollama.
func v1(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}
