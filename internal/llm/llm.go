// Package llm provides a minimal client for text generation models.
package llm

import (
	"context"
)

// FormatJSON asks the model to emit a single JSON value.
const FormatJSON = "json"

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation. Zero is deterministic.
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int

	// Format constrains the output, e.g. FormatJSON. Empty means free text.
	Format string
}

// LLM generates a completion for a prompt.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
