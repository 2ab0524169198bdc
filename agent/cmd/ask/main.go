package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/agent/pkg/workflow"
	"github.com/churnguard/lake/api/config"
	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/indexer"
	"github.com/churnguard/lake/indexer/pkg/s3source"
	"github.com/churnguard/lake/utils/pkg/logger"
)

const datasetRef = "dataset"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	fileFlag := flag.StringP("file", "f", "", "CSV file path or s3://bucket/key.csv to ask about")
	providerFlag := flag.String("provider", "", "LLM provider: anthropic, gemini or none (or set LLM_PROVIDER env var)")
	jsonFlag := flag.Bool("json", false, "Print the full result as JSON")
	showProgramFlag := flag.Bool("show-program", false, "Print the program that produced the answer")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ask -f churn.csv [flags] <question>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	question := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if *fileFlag == "" || question == "" {
		flag.Usage()
		return errors.New("a dataset file and a question are required")
	}

	log := logger.NewWithWriter(os.Stderr, *verboseFlag)

	if *providerFlag != "" {
		if err := os.Setenv("LLM_PROVIDER", *providerFlag); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := dataset.NewRegistry()
	icfg := indexer.Config{Logger: log, Registry: registry}
	if s3source.IsURI(*fileFlag) {
		loader, err := s3source.NewFromEnv(ctx, log, "")
		if err != nil {
			return err
		}
		icfg.Objects = loader
	}
	x, err := indexer.New(icfg)
	if err != nil {
		return err
	}
	if err := load(ctx, x, *fileFlag); err != nil {
		return err
	}

	llm, err := workflow.NewLLMClient(ctx, workflow.LLMConfig{
		Provider:     cfg.LLMProvider,
		Model:        modelFor(cfg),
		GeminiAPIKey: cfg.GeminiAPIKey,
		Name:         "ask",
	})
	if err != nil {
		return err
	}
	p, err := workflow.New(workflow.Config{
		Logger:   log,
		Registry: registry,
		Executor: executor.New(log, executor.NewMemoryBackend(), executor.Config{
			Timeout: cfg.QueryTimeout,
			MaxRows: cfg.MaxResultRows,
		}),
		LLM: llm,
	})
	if err != nil {
		return err
	}

	res, err := p.CompileAndRun(ctx, nil, question, datasetRef)
	if err != nil {
		if queryerr.KindOf(err) != "" {
			fmt.Fprintln(os.Stdout, queryerr.UserMessage(err))
			return fmt.Errorf("%s", queryerr.KindOf(err))
		}
		return err
	}
	return printResult(os.Stdout, res, *jsonFlag, *showProgramFlag)
}

func modelFor(cfg *config.Config) string {
	if cfg.LLMProvider == workflow.ProviderGemini {
		return cfg.GeminiModel
	}
	return cfg.AnthropicModel
}

func load(ctx context.Context, x *indexer.Indexer, src string) error {
	if s3source.IsURI(src) {
		_, err := x.IngestURI(ctx, datasetRef, src)
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()
	_, err = x.IngestCSV(ctx, datasetRef, f)
	return err
}

func printResult(w io.Writer, res *executor.Result, asJSON, showProgram bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Summary != "" {
		fmt.Fprintln(w, res.Summary)
	}
	if res.Meta != "" {
		fmt.Fprintln(w, res.Meta)
	}
	if res.Synopsis != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.Synopsis)
	}
	if showProgram {
		fmt.Fprintf(w, "\n[%s/%s] %s\n", res.Origin, res.Kind, res.Program)
	}
	return nil
}
