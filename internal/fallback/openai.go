package fallback

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/cardscan/internal/retry"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint:
// OpenAI itself, vLLM and Ollama.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	pricing Pricing
	http    httpClient
}

func NewOpenAIProvider(name, baseURL, apiKey, model string, timeout time.Duration, pricing Pricing) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		pricing: pricing,
		http:    newHTTPClient(timeout),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// IdentifyCard sends the crop as a data URL and decodes the JSON reply.
func (p *OpenAIProvider) IdentifyCard(ctx context.Context, image []byte) (models.FallbackGuess, models.Usage, error) {
	var usage models.Usage
	if len(image) == 0 {
		return models.FallbackGuess{}, usage, fmt.Errorf("%w: empty image", ErrInvalidResponse)
	}

	dataURL := "data:" + imageMediaType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	req := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: UserPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	raw, err := p.http.postJSON(ctx, p.baseURL+"/chat/completions", headers, req)
	if err != nil {
		return models.FallbackGuess{}, usage, fmt.Errorf("%s: %w", p.name, err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.FallbackGuess{}, usage, fmt.Errorf("%s: %w: %v", p.name, ErrInvalidResponse, err)
	}
	usage = p.usage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if len(resp.Choices) == 0 {
		return models.FallbackGuess{}, usage, fmt.Errorf("%s: %w: no choices", p.name, ErrInvalidResponse)
	}

	guess, err := DecodeGuess(resp.Choices[0].Message.Content)
	if err != nil {
		return models.FallbackGuess{}, usage, fmt.Errorf("%s: %w", p.name, err)
	}
	return guess, usage, nil
}

func (p *OpenAIProvider) usage(in, out int) models.Usage {
	return models.Usage{InputTokens: in, OutputTokens: out, CostUSD: p.pricing.Cost(in, out)}
}

// WithRetry replaces the transport retry policy.
func (p *OpenAIProvider) WithRetry(policy retry.Policy) *OpenAIProvider {
	p.http = p.http.withPolicy(policy)
	return p
}

var _ models.VisionProvider = (*OpenAIProvider)(nil)
