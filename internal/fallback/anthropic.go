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

const anthropicVersion = "2023-06-01"

// AnthropicProvider calls the Messages API.
type AnthropicProvider struct {
	baseURL string
	apiKey  string
	model   string
	pricing Pricing
	http    httpClient
}

func NewAnthropicProvider(baseURL, apiKey, model string, timeout time.Duration, pricing Pricing) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		pricing: pricing,
		http:    newHTTPClient(timeout),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type messagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) IdentifyCard(ctx context.Context, image []byte) (models.FallbackGuess, models.Usage, error) {
	var usage models.Usage
	if len(image) == 0 {
		return models.FallbackGuess{}, usage, fmt.Errorf("%w: empty image", ErrInvalidResponse)
	}

	req := messagesRequest{
		Model:     p.model,
		MaxTokens: 256,
		System:    SystemPrompt,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicContent{
				{Type: "image", Source: &anthropicSource{
					Type:      "base64",
					MediaType: imageMediaType(image),
					Data:      base64.StdEncoding.EncodeToString(image),
				}},
				{Type: "text", Text: UserPrompt},
			},
		}},
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	raw, err := p.http.postJSON(ctx, p.baseURL+"/v1/messages", headers, req)
	if err != nil {
		return models.FallbackGuess{}, usage, fmt.Errorf("anthropic: %w", err)
	}

	var resp messagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.FallbackGuess{}, usage, fmt.Errorf("anthropic: %w: %v", ErrInvalidResponse, err)
	}
	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	usage = models.Usage{InputTokens: in, OutputTokens: out, CostUSD: p.pricing.Cost(in, out)}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	guess, err := DecodeGuess(text.String())
	if err != nil {
		return models.FallbackGuess{}, usage, fmt.Errorf("anthropic: %w", err)
	}
	return guess, usage, nil
}

// WithRetry replaces the transport retry policy.
func (p *AnthropicProvider) WithRetry(policy retry.Policy) *AnthropicProvider {
	p.http = p.http.withPolicy(policy)
	return p
}

var _ models.VisionProvider = (*AnthropicProvider)(nil)
