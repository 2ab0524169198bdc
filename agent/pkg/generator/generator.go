package generator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/agent/pkg/prompt"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/utils/pkg/retry"
)

const DefaultRetries = 2

// Completer is a text generation backend.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Config struct {
	// Retries is the number of extra attempts after a transport failure.
	// Negative disables retries; zero uses DefaultRetries.
	Retries     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Generator turns a prompt context into an unchecked candidate program.
type Generator struct {
	log   *slog.Logger
	llm   Completer
	retry retry.Config
}

func New(log *slog.Logger, llm Completer, cfg Config) *Generator {
	attempts := DefaultRetries + 1
	switch {
	case cfg.Retries < 0:
		attempts = 1
	case cfg.Retries > 0:
		attempts = cfg.Retries + 1
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = attempts
	if cfg.BaseBackoff > 0 {
		rc.BaseBackoff = cfg.BaseBackoff
	}
	if cfg.MaxBackoff > 0 {
		rc.MaxBackoff = cfg.MaxBackoff
	}
	rc.Retryable = isTransport
	rc.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Debug("generator: completion failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	return &Generator{log: log, llm: llm, retry: rc}
}

// isTransport treats every backend failure as transport except
// cancellation by the caller.
func isTransport(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Generate makes one generation call, retrying transport failures, and
// extracts the first program from the response. It returns a
// generation_empty error when the response carries no program and a
// transport_error when the backend keeps failing.
func (g *Generator) Generate(ctx context.Context, pc prompt.Context) (*program.Candidate, error) {
	attempt := 0
	text, err := retry.DoValue(ctx, g.retry, func() (string, error) {
		attempt++
		return g.llm.Complete(ctx, pc.System, pc.User)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, queryerr.Wrap(queryerr.KindTransport, "generation backend failed", err)
	}

	kind, src, ok := Extract(text)
	if !ok {
		g.log.Debug("generator: no program in response", "response_len", len(text))
		return nil, queryerr.New(queryerr.KindGenerationEmpty, "response contained no program")
	}
	g.log.Debug("generator: extracted candidate", "kind", kind, "attempts", attempt)
	return program.NewCandidate(kind, src, program.OriginGenerated), nil
}
