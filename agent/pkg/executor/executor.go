package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/semaphore"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/api/metrics"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxRows       = 10000
	DefaultMaxConcurrent = 8
)

// ErrNotValidated is wrapped in the error returned for candidates that did
// not pass validation. Such candidates never reach a backend.
var ErrNotValidated = errors.New("candidate is not validated")

type Config struct {
	Timeout       time.Duration
	MaxRows       int
	MaxConcurrent int64
}

// Executor runs validated candidates under a timeout and a row ceiling.
type Executor struct {
	log     *slog.Logger
	backend Backend
	cfg     Config
	sem     *semaphore.Weighted
}

func New(log *slog.Logger, backend Backend, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Executor{
		log:     log,
		backend: backend,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

func (e *Executor) Backend() string { return e.backend.Name() }

// Execute runs c against snap. A result that exceeds the row ceiling is
// returned truncated together with a result_too_large error; callers may
// treat that error as non-fatal. Execution failures carry a sanitized
// message and wrap the underlying error for logging.
func (e *Executor) Execute(ctx context.Context, c *program.Candidate, snap *dataset.Snapshot) (*Result, error) {
	if !c.Executable() {
		return nil, queryerr.Wrap(queryerr.KindExecution, "the query was not validated", fmt.Errorf("%w: status %s", ErrNotValidated, c.Status()))
	}

	plan, cols, err := program.Bind(c.Plan(), snap.Catalog())
	if err != nil {
		return nil, queryerr.Wrap(queryerr.KindExecution, "the query does not fit this dataset", err)
	}

	span := sentry.StartSpan(ctx, "query.execute", sentry.WithDescription(fmt.Sprintf("execute %s", e.backend.Name())))
	span.SetData("query.backend", e.backend.Name())
	span.SetData("query.program", plan.String())
	span.SetData("query.origin", string(c.Origin()))
	ctx = span.Context()
	defer span.Finish()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		span.Status = sentry.SpanStatusCanceled
		return nil, queryerr.Wrap(queryerr.KindExecution, "the query was cancelled", err)
	}
	defer e.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	frame, err := e.backend.Run(runCtx, Job{Plan: plan, Snapshot: snap, Columns: cols, MaxRows: e.cfg.MaxRows})
	duration := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			metrics.RecordExecution(e.backend.Name(), "timeout", duration)
			span.Status = sentry.SpanStatusDeadlineExceeded
			e.log.Warn("executor: timed out", "backend", e.backend.Name(), "program", plan.String(), "timeout", e.cfg.Timeout)
			return nil, queryerr.Wrap(queryerr.KindExecutionTimeout, fmt.Sprintf("query exceeded %s", e.cfg.Timeout), err)
		default:
			metrics.RecordExecution(e.backend.Name(), "error", duration)
			span.Status = sentry.SpanStatusInternalError
			e.log.Warn("executor: execution failed", "backend", e.backend.Name(), "program", plan.String(), "error", err)
			return nil, queryerr.Wrap(queryerr.KindExecution, "the query could not be run", err)
		}
	}

	res := &Result{
		Columns:   frame.Columns,
		Rows:      frame.Rows,
		Scalar:    frame.Scalar,
		IsScalar:  frame.IsScalar,
		Truncated: frame.Truncated,
		Total:     len(frame.Rows),
		Program:   plan.String(),
		Kind:      c.Kind(),
		Origin:    c.Origin(),
		Backend:   e.backend.Name(),
		Duration:  duration,
	}
	if res.Columns == nil {
		res.Columns = cols
	}

	e.log.Debug("executor: executed", "backend", res.Backend, "program", res.Program, "rows", len(res.Rows), "duration", duration)
	if res.Truncated {
		metrics.RecordExecution(e.backend.Name(), "truncated", duration)
		span.Status = sentry.SpanStatusOK
		return res, queryerr.New(queryerr.KindResultTooLarge, fmt.Sprintf("result exceeds %d rows", e.cfg.MaxRows))
	}
	metrics.RecordExecution(e.backend.Name(), "success", duration)
	span.Status = sentry.SpanStatusOK
	return res, nil
}
