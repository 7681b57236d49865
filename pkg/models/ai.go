// Package models contains shared data models used across the cardscan codebase.
package models

import "context"

// VisionProvider is the interface every paid vision-language integration implements.
// Never call a specific provider directly; always inject this interface.
type VisionProvider interface {
	// IdentifyCard asks the model which catalog card the image shows.
	// Usage is returned even when err != nil if the provider billed tokens.
	IdentifyCard(ctx context.Context, image []byte) (FallbackGuess, Usage, error)
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
}

// Usage is the billing footprint of one paid call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
