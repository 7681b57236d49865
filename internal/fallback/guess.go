package fallback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/cardscan/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SystemPrompt is the fixed instruction sent with every image.
const SystemPrompt = `You identify collectible trading cards from a single photograph of one card.
Respond with JSON only, exactly this shape:
{"name": string or null, "setCode": string or null, "number": string or null, "confidence": number between 0 and 1}
"setCode" is the printed set code and "number" the collector number as printed (without the set total).
Use null for anything you cannot read. Lower the confidence when the card is blurred, cropped, or ambiguous.`

// UserPrompt accompanies the image.
const UserPrompt = "Identify this card."

const guessSchemaJSON = `{
  "type": "object",
  "required": ["name", "setCode", "number", "confidence"],
  "properties": {
    "name":       {"type": ["string", "null"]},
    "setCode":    {"type": ["string", "null"]},
    "number":     {"type": ["string", "null"]},
    "confidence": {"type": "number"}
  }
}`

var guessSchema = jsonschema.MustCompileString("fallback_guess.json", guessSchemaJSON)

// DecodeGuess parses a model reply into a FallbackGuess. Code fences and prose
// around the JSON object are tolerated; a missing field or wrong type is not.
func DecodeGuess(content string) (models.FallbackGuess, error) {
	var guess models.FallbackGuess

	payload, err := extractJSON(content)
	if err != nil {
		return guess, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return guess, fmt.Errorf("%w: %v (payload snippet: %s)", ErrInvalidResponse, err, snippet(payload))
	}
	if err := guessSchema.Validate(doc); err != nil {
		return guess, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := json.Unmarshal([]byte(payload), &guess); err != nil {
		return guess, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	guess.Name = cleanField(guess.Name)
	guess.SetCode = cleanField(guess.SetCode)
	guess.Number = cleanField(guess.Number)
	if guess.Confidence < 0 {
		guess.Confidence = 0
	}
	if guess.Confidence > 1 {
		guess.Confidence = 1
	}
	return guess, nil
}

func cleanField(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func extractJSON(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", errors.New("empty payload")
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	trimmed = strings.TrimSpace(stripCodeFence(trimmed))
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return trimmed[start : end+1], nil
		}
	}
	return "", fmt.Errorf("no JSON object in payload (snippet: %s)", snippet(content))
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return s
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
