package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"

	"github.com/churnguard/lake/api/metrics"
)

const (
	DefaultAnthropicModel = anthropic.Model("claude-sonnet-4-5")
	DefaultMaxTokens      = 1024
)

// AnthropicLLMClient implements LLMClient using the Anthropic API.
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	name      string // label for logging, e.g. "generate" or "synopsis"
}

// NewAnthropicLLMClient creates a client that reads ANTHROPIC_API_KEY from
// the environment.
func NewAnthropicLLMClient(model anthropic.Model, maxTokens int64) *AnthropicLLMClient {
	return NewAnthropicLLMClientWithName(model, maxTokens, "generate")
}

// NewAnthropicLLMClientWithName creates a client with a custom name for logging.
func NewAnthropicLLMClientWithName(model anthropic.Model, maxTokens int64, name string, opts ...option.RequestOption) *AnthropicLLMClient {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		name:      name,
	}
}

// Complete sends one user message and returns the first text block of the
// reply. The system prompt is marked cacheable since it is fixed per process.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.request.max_tokens", c.maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	if sessionID, ok := SessionIDFromContext(ctx); ok {
		span.SetTag("session_id", sessionID)
	}
	if queryID, ok := QueryIDFromContext(ctx); ok {
		span.SetTag("query_id", queryID)
	}
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	slog.Info("Anthropic API call starting", "phase", c.name, "model", c.model, "maxTokens", c.maxTokens, "userPromptLen", len(userPrompt))

	systemBlock := anthropic.TextBlockParam{Type: "text", Text: systemPrompt}
	systemBlock.CacheControl = anthropic.NewCacheControlEphemeralParam()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{systemBlock},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
		Temperature: anthropic.Float(0),
	})

	duration := time.Since(start)
	if err != nil {
		slog.Error("Anthropic API call failed", "phase", c.name, "duration", duration, "error", err)
		metrics.RecordGenerationRequest("anthropic", duration, err)
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	slog.Info("Anthropic API call completed",
		"phase", c.name,
		"duration", duration,
		"stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens,
		"outputTokens", msg.Usage.OutputTokens,
		"cacheCreationInputTokens", msg.Usage.CacheCreationInputTokens,
		"cacheReadInputTokens", msg.Usage.CacheReadInputTokens,
	)

	metrics.RecordGenerationRequest("anthropic", duration, nil)
	metrics.RecordGenerationTokens("anthropic",
		msg.Usage.InputTokens,
		msg.Usage.OutputTokens,
		msg.Usage.CacheCreationInputTokens,
		msg.Usage.CacheReadInputTokens,
	)

	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.total_tokens", msg.Usage.InputTokens+msg.Usage.OutputTokens)
	if msg.Usage.CacheReadInputTokens > 0 {
		span.SetData("gen_ai.usage.input_tokens.cached", msg.Usage.CacheReadInputTokens)
	}
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	// An empty reply is not a transport failure; the generator reports it
	// as generation_empty.
	return "", nil
}
