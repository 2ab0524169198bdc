package workflow

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// Provider names accepted by NewLLMClient.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderNone      = "none"
)

// LLMConfig selects and configures a generation backend.
type LLMConfig struct {
	Provider     string
	Model        string
	GeminiAPIKey string
	MaxTokens    int
	Name         string
}

// NewLLMClient returns the configured backend, or nil for ProviderNone. A
// nil client makes the pipeline answer from fallback templates only.
func NewLLMClient(ctx context.Context, cfg LLMConfig) (LLMClient, error) {
	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil
	case ProviderAnthropic:
		return NewAnthropicLLMClientWithName(anthropic.Model(cfg.Model), int64(cfg.MaxTokens), cfg.Name), nil
	case ProviderGemini:
		c, err := NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.Model, int32(cfg.MaxTokens), cfg.Name)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
}
