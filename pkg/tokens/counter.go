package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in text using a tiktoken encoding.
type Counter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.RWMutex
}

// NewCounter creates a counter for the given model name.
func NewCounter(modelName string) (*Counter, error) {
	encodingName := getEncodingForModel(modelName)

	encoder, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		// Fallback to cl100k_base for most modern models
		encoder, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	return &Counter{encoder: encoder}, nil
}

// Count counts the number of tokens in the given text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encoder == nil {
		return Estimate(text)
	}

	return len(c.encoder.Encode(text, nil, nil))
}

// Estimate is the cheap inline estimate used while a turn is still
// streaming, before authoritative counts arrive: one token per four
// characters of normalized text, and at least one for non-empty text.
func Estimate(text string) int {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return 0
	}
	n := (utf8.RuneCountInString(normalized) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// getEncodingForModel returns the appropriate encoding for a model
func getEncodingForModel(modelName string) string {
	modelLower := strings.ToLower(modelName)

	if strings.Contains(modelLower, "gpt-4") || strings.Contains(modelLower, "gpt-3.5") {
		return "cl100k_base"
	}

	if strings.Contains(modelLower, "davinci") || strings.Contains(modelLower, "curie") {
		return "p50k_base"
	}

	if strings.Contains(modelLower, "code") {
		return "p50k_base"
	}

	// Default to cl100k_base for most modern models
	return "cl100k_base"
}
