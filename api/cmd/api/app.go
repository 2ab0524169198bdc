package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/generator"
	"github.com/churnguard/lake/agent/pkg/prompt"
	"github.com/churnguard/lake/agent/pkg/session"
	"github.com/churnguard/lake/agent/pkg/summarize"
	"github.com/churnguard/lake/agent/pkg/workflow"
	"github.com/churnguard/lake/api/audit"
	"github.com/churnguard/lake/api/config"
	"github.com/churnguard/lake/indexer/pkg/clickhouse"
	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/indexer"
	"github.com/churnguard/lake/indexer/pkg/s3source"
	"github.com/churnguard/lake/indexer/pkg/sqlite"
)

// app holds the long-lived components shared by the HTTP and MCP surfaces.
type app struct {
	log      *slog.Logger
	registry *dataset.Registry
	indexer  *indexer.Indexer
	sessions *session.Store
	pipeline *workflow.Pipeline
	audit    *audit.Recorder

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, log *slog.Logger, cfg *config.Config, s3Region string) (_ *app, err error) {
	a := &app{log: log, registry: dataset.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	backend, store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	icfg := indexer.Config{Logger: log, Registry: a.registry}
	if store != nil {
		icfg.Store = store
	}
	if loader, lerr := s3source.NewFromEnv(ctx, log, s3Region); lerr != nil {
		log.Warn("s3 datasets disabled", "error", lerr)
	} else {
		icfg.Objects = loader
	}
	if a.indexer, err = indexer.New(icfg); err != nil {
		return nil, err
	}

	a.sessions, err = session.NewStore(session.StoreConfig{
		Logger:        log,
		TTL:           cfg.SessionTTL,
		GenerationRPS: cfg.GenerationRPS,
		Burst:         cfg.GenerationBurst,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Postgres != nil {
		if a.audit, err = a.openAudit(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
	}

	llm, err := workflow.NewLLMClient(ctx, llmConfig(cfg))
	if err != nil {
		return nil, err
	}
	if llm == nil {
		log.Warn("no LLM provider configured, answering from fallback templates only")
	}

	retries := cfg.GenerationRetries
	if retries == 0 {
		retries = -1
	}
	pcfg := workflow.Config{
		Logger:   log,
		Registry: a.registry,
		Executor: executor.New(log, backend, executor.Config{
			Timeout: cfg.QueryTimeout,
			MaxRows: cfg.MaxResultRows,
		}),
		LLM: llm,
		Prompt: prompt.Options{
			SampleRows:   cfg.SampleRows,
			HistoryTurns: cfg.HistoryTurns,
			Budget:       cfg.ContextBudget,
		},
		Generator: generator.Config{Retries: retries},
		Summarize: summarize.Config{DisplayRows: cfg.DisplayRows},
	}
	if a.audit != nil {
		pcfg.Auditor = a.audit
	}
	if a.pipeline, err = workflow.New(pcfg); err != nil {
		return nil, err
	}
	return a, nil
}

// openStore returns the execution backend and, for SQL backends, the store
// snapshots are published to.
func (a *app) openStore(ctx context.Context, cfg *config.Config) (executor.Backend, indexer.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, a.log, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		return executor.NewSQLBackend(st, executor.SQLiteDialect{}), st, nil

	case config.StoreClickHouse:
		if err := clickhouse.Up(ctx, a.log, cfg.ClickHouse); err != nil {
			return nil, nil, fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
		client, err := clickhouse.NewClient(ctx, a.log, cfg.ClickHouse)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		st := clickhouse.NewStore(a.log, client)
		return executor.NewSQLBackend(st, executor.ClickHouseDialect{}), st, nil
	}
	return executor.NewMemoryBackend(), nil, nil
}

func (a *app) openAudit(ctx context.Context, pg *config.PgConfig) (*audit.Recorder, error) {
	connStr := pg.ConnString()
	if pg.RunMigrations {
		if err := config.MigrateUp(ctx, a.log, connStr); err != nil {
			return nil, err
		}
	}
	pool, err := config.OpenPostgres(ctx, a.log, connStr)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	return audit.NewRecorder(a.log, pool), nil
}

func llmConfig(cfg *config.Config) workflow.LLMConfig {
	lc := workflow.LLMConfig{Provider: cfg.LLMProvider, Name: "generator"}
	switch cfg.LLMProvider {
	case workflow.ProviderAnthropic:
		lc.Model = cfg.AnthropicModel
	case workflow.ProviderGemini:
		lc.Model = cfg.GeminiModel
		lc.GeminiAPIKey = cfg.GeminiAPIKey
	}
	return lc
}

// preload publishes a dataset given as ref=path or ref=s3://bucket/key.
func (a *app) preload(ctx context.Context, arg string) error {
	ref, src, ok := strings.Cut(arg, "=")
	if !ok || ref == "" || src == "" {
		return fmt.Errorf("invalid --dataset %q: expected ref=source", arg)
	}
	var (
		snap *dataset.Snapshot
		err  error
	)
	if s3source.IsURI(src) {
		snap, err = a.indexer.IngestURI(ctx, ref, src)
	} else {
		f, ferr := os.Open(src)
		if ferr != nil {
			return fmt.Errorf("failed to open dataset %s: %w", src, ferr)
		}
		snap, err = a.indexer.IngestCSV(ctx, ref, f)
		_ = f.Close()
	}
	if err != nil {
		if errors.Is(err, indexer.ErrSourceDisabled) {
			return fmt.Errorf("cannot load %s: s3 is not configured", src)
		}
		return fmt.Errorf("failed to publish dataset %s: %w", ref, err)
	}
	a.log.Info("dataset preloaded", "ref", ref, "source", src, "rows", snap.Len())
	return nil
}
