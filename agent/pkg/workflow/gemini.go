package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"google.golang.org/genai"

	"github.com/churnguard/lake/api/metrics"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiLLMClient implements LLMClient using the Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	model     string
	maxTokens int32
	name      string
}

// NewGeminiLLMClient creates a Gemini client authenticated with apiKey.
func NewGeminiLLMClient(ctx context.Context, apiKey, model string, maxTokens int32, name string) (*GeminiLLMClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiLLMClient{client: client, model: model, maxTokens: maxTokens, name: name}, nil
}

// Complete sends one user message with the system instruction and returns
// the concatenated text of the first candidate.
func (c *GeminiLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", c.model)
	span.SetData("gen_ai.request.max_tokens", c.maxTokens)
	span.SetData("gen_ai.system", "gemini")
	if sessionID, ok := SessionIDFromContext(ctx); ok {
		span.SetTag("session_id", sessionID)
	}
	if queryID, ok := QueryIDFromContext(ctx); ok {
		span.SetTag("query_id", queryID)
	}
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	slog.Info("Gemini API call starting", "phase", c.name, "model", c.model, "maxTokens", c.maxTokens, "userPromptLen", len(userPrompt))

	temperature := float32(0)
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			MaxOutputTokens:   c.maxTokens,
			Temperature:       &temperature,
		},
	)

	duration := time.Since(start)
	if err != nil {
		slog.Error("Gemini API call failed", "phase", c.name, "duration", duration, "error", err)
		metrics.RecordGenerationRequest("gemini", duration, err)
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("gemini API error: %w", err)
	}

	var input, output, cached int64
	if u := resp.UsageMetadata; u != nil {
		input = int64(u.PromptTokenCount)
		output = int64(u.CandidatesTokenCount)
		cached = int64(u.CachedContentTokenCount)
	}
	slog.Info("Gemini API call completed",
		"phase", c.name,
		"duration", duration,
		"inputTokens", input,
		"outputTokens", output,
		"cachedTokens", cached,
	)

	metrics.RecordGenerationRequest("gemini", duration, nil)
	metrics.RecordGenerationTokens("gemini", input, output, 0, cached)

	span.SetData("gen_ai.usage.input_tokens", input)
	span.SetData("gen_ai.usage.output_tokens", output)
	span.SetData("gen_ai.usage.total_tokens", input+output)
	span.Status = sentry.SpanStatusOK

	return resp.Text(), nil
}
