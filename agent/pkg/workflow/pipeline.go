// Package workflow compiles natural-language questions into validated
// programs and runs them.
//
// Each question moves through a fixed sequence of stages:
//
//	generating -> validating -> executing -> summarizing -> done
//	           \-> fallback (on empty output, transport failure or rejection) -> executing
//
// and may end in failed from any stage. A generated program reaches the
// executor only after the safety validator accepts it; fallback programs are
// validated by construction.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/fallback"
	"github.com/churnguard/lake/agent/pkg/generator"
	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/agent/pkg/prompt"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/agent/pkg/safety"
	"github.com/churnguard/lake/agent/pkg/session"
	"github.com/churnguard/lake/agent/pkg/summarize"
	"github.com/churnguard/lake/api/metrics"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// Stage is a state of the per-question state machine.
type Stage string

const (
	StageGenerating  Stage = "generating"
	StageValidating  Stage = "validating"
	StageFallback    Stage = "fallback"
	StageExecuting   Stage = "executing"
	StageSummarizing Stage = "summarizing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Query paths recorded in metrics.
const (
	PathGenerated = "generated"
	PathFallback  = "fallback"
	PathFailed    = "failed"
)

const auditTimeout = 5 * time.Second

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *dataset.Registry
	Executor *executor.Executor

	// LLM is optional. Without it every question goes to the fallback
	// templates and results get a deterministic synopsis.
	LLM LLMClient
	// Policy defaults to safety.DefaultPolicy().
	Policy *safety.Policy
	// Auditor is optional.
	Auditor Auditor

	Prompt    prompt.Options
	Generator generator.Config
	Summarize summarize.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Policy == nil {
		cfg.Policy = safety.DefaultPolicy()
	}
	return nil
}

// Pipeline answers questions against published snapshots.
type Pipeline struct {
	log        *slog.Logger
	cfg        Config
	generator  *generator.Generator
	validator  *safety.Validator
	fallback   *fallback.Builder
	summarizer *summarize.Summarizer
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	p := &Pipeline{
		log:        cfg.Logger,
		cfg:        cfg,
		validator:  safety.NewValidator(cfg.Policy, cfg.Logger),
		fallback:   fallback.New(cfg.Logger),
		summarizer: summarize.New(cfg.Logger, nil, cfg.Summarize),
	}
	if cfg.LLM != nil {
		p.generator = generator.New(cfg.Logger, cfg.LLM, cfg.Generator)
		p.summarizer = summarize.New(cfg.Logger, cfg.LLM, cfg.Summarize)
	}
	return p, nil
}

// run carries the state of one question through the stages.
type run struct {
	id       uuid.UUID
	sess     *session.Session
	ref      string
	snap     *dataset.Snapshot
	question string
	stage    Stage

	// rejected is the reason the generated candidate was not used, if any.
	rejected       string
	rejectedSource string
}

// onSessionDataset reports whether the question targets the session's own
// dataset. History only carries over within one dataset.
func (r *run) onSessionDataset() bool {
	return r.sess != nil && r.ref == r.sess.DatasetRef()
}

func (p *Pipeline) enter(r *run, stage Stage) {
	p.log.Debug("workflow: stage", "query_id", r.id, "from", r.stage, "to", stage)
	r.stage = stage
}

// CompileAndRun answers question against the current snapshot of
// datasetRef. An empty datasetRef uses the session's dataset. sess may be
// nil for one-shot questions, which then carry no history and are not rate
// limited.
//
// The returned error is a *queryerr.Error when the question could not be
// answered; queryerr.UserMessage renders it for the person asking.
func (p *Pipeline) CompileAndRun(ctx context.Context, sess *session.Session, question, datasetRef string) (*executor.Result, error) {
	r := &run{id: uuid.New(), sess: sess, ref: datasetRef, question: question}
	if r.ref == "" && sess != nil {
		r.ref = sess.DatasetRef()
	}
	ctx = ContextWithQueryID(ctx, r.id.String())
	if sess != nil {
		ctx = ContextWithSessionID(ctx, sess.ID().String())
	}

	snap, release, err := p.cfg.Registry.Acquire(r.ref)
	if err != nil {
		return nil, err
	}
	defer release()
	r.snap = snap
	cat := snap.Catalog()

	cand, err := p.generate(ctx, r, cat)
	if err == nil {
		p.enter(r, StageValidating)
		if verr := p.validator.Validate(ctx, cand, cat); verr != nil {
			r.rejected = string(cand.Reason())
			r.rejectedSource = cand.Source()
			metrics.RecordValidationRejection(r.rejected)
			p.audit(ctx, r, queryerr.KindValidationRejected, cand.Source(), verr)
			cand = nil
		}
	} else if ctx.Err() != nil {
		return nil, p.fail(ctx, r, "", queryerr.Wrap(queryerr.KindTransport, "the question was cancelled", ctx.Err()))
	}

	path := PathGenerated
	var tmpl fallback.Template
	if cand == nil {
		p.enter(r, StageFallback)
		path = PathFallback
		cand, tmpl, err = p.fallback.Build(question, cat)
		if err != nil {
			return nil, p.fail(ctx, r, "", err)
		}
	}

	p.enter(r, StageExecuting)
	res, err := p.cfg.Executor.Execute(ctx, cand, snap)
	if err != nil && !queryerr.HasKind(err, queryerr.KindResultTooLarge) {
		return nil, p.fail(ctx, r, cand.Canonical(), err)
	}
	res.Template = string(tmpl)

	p.enter(r, StageSummarizing)
	p.summarizer.Summarize(ctx, question, res)

	p.enter(r, StageDone)
	metrics.RecordQuery(path)
	if r.rejected != "" {
		p.log.Info("workflow: answered from fallback after rejection", "query_id", r.id, "reason", r.rejected, "template", tmpl)
	}
	p.record(r, res.Program, outcome(r, res))
	return res, nil
}

// generate asks the backend for a candidate. It returns an error whenever
// the fallback path should be taken instead.
func (p *Pipeline) generate(ctx context.Context, r *run, cat *dataset.Catalog) (*program.Candidate, error) {
	if p.generator == nil {
		return nil, errors.New("generation disabled")
	}
	if r.sess != nil && !r.sess.AllowGeneration() {
		p.log.Info("workflow: generation rate limited", "query_id", r.id, "session_id", r.sess.ID())
		return nil, errors.New("generation rate limited")
	}

	p.enter(r, StageGenerating)
	var history []prompt.Turn
	if r.onSessionDataset() {
		history = r.sess.History()
	}
	samples := p.cfg.Prompt.SampleRows
	if samples <= 0 {
		samples = prompt.DefaultSampleRows
	}
	pc := prompt.Build(r.question, cat, r.snap.Sample(samples), history, p.cfg.Prompt)

	cand, err := p.generator.Generate(ctx, pc)
	if err != nil {
		p.log.Info("workflow: generation failed, using fallback", "query_id", r.id, "kind", queryerr.KindOf(err), "error", err)
		return nil, err
	}
	return cand, nil
}

// fail ends the run in the failed stage. The error is audited with its
// unsanitized text and returned to the caller unchanged.
func (p *Pipeline) fail(ctx context.Context, r *run, programText string, err error) error {
	from := r.stage
	kind := queryerr.KindOf(err)
	if kind == queryerr.KindExecution || kind == queryerr.KindExecutionTimeout {
		p.log.Warn("workflow: query failed", "query_id", r.id, "stage", from, "kind", kind, "error", err)
	} else {
		p.log.Info("workflow: query failed", "query_id", r.id, "stage", from, "kind", kind, "error", err)
	}
	metrics.RecordQuery(PathFailed)
	p.audit(ctx, r, kind, programText, err)
	p.enter(r, StageFailed)

	note := "failed: " + string(kind)
	if r.rejected != "" {
		note = fmt.Sprintf("rejected: %s; %s", r.rejected, note)
		if programText == "" {
			programText = r.rejectedSource
		}
	}
	p.record(r, programText, note)
	return err
}

func (p *Pipeline) audit(ctx context.Context, r *run, kind queryerr.Kind, programText string, err error) {
	if p.cfg.Auditor == nil {
		return
	}
	ev := AuditEvent{
		QueryID:    r.id,
		DatasetRef: r.ref,
		Question:   r.question,
		Stage:      r.stage,
		Kind:       string(kind),
		Program:    programText,
		Detail:     err.Error(),
		At:         p.cfg.Clock.Now().UTC(),
	}
	if r.sess != nil {
		ev.SessionID = r.sess.ID()
	}
	if r.snap != nil {
		ev.SnapshotID = r.snap.ID()
	}
	var qe *queryerr.Error
	if errors.As(err, &qe) {
		ev.Reason = qe.Reason
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if aerr := p.cfg.Auditor.Record(auditCtx, ev); aerr != nil {
		p.log.Warn("workflow: failed to record audit event", "query_id", r.id, "error", aerr)
	}
}

func (p *Pipeline) record(r *run, programText, note string) {
	if !r.onSessionDataset() {
		return
	}
	r.sess.Record(prompt.Turn{Question: r.question, Program: programText, Outcome: note})
}

func outcome(r *run, res *executor.Result) string {
	var note string
	switch {
	case res.IsScalar:
		note = "scalar " + summarize.FormatValue(res.Scalar)
	case res.Truncated:
		note = fmt.Sprintf("more than %d rows", res.Total)
	default:
		note = fmt.Sprintf("%d rows", res.Total)
	}
	if r.rejected != "" {
		note = fmt.Sprintf("rejected: %s; answered by fallback, %s", r.rejected, note)
	}
	return note
}
