package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/churnguard/lake/api/config"
	"github.com/churnguard/lake/api/handlers"
	lakemcp "github.com/churnguard/lake/api/mcp"
	"github.com/churnguard/lake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const sessionSweepInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	mcpFlag := flag.Bool("mcp", false, "Serve the MCP tools over stdio instead of HTTP")
	httpAddrFlag := flag.String("http-addr", "", "Address to listen on for the HTTP API (or set HTTP_ADDR env var)")
	datasetFlags := flag.StringArray("dataset", nil, "Publish a dataset at startup as ref=path.csv or ref=s3://bucket/key.csv (repeatable)")
	corsOriginsFlag := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins")
	s3RegionFlag := flag.String("s3-region", "", "AWS region for s3:// datasets (defaults to the AWS config chain)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during shutdown")

	flag.Parse()

	// MCP speaks JSON-RPC on stdout, so logs go to stderr.
	log := logger.New(*verboseFlag)
	if *mcpFlag {
		log = logger.NewWithWriter(os.Stderr, *verboseFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *httpAddrFlag != "" {
		cfg.HTTPAddr = *httpAddrFlag
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", cfg.SentryEnvironment)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, log, cfg, *s3RegionFlag)
	if err != nil {
		return err
	}
	defer app.Close()

	for _, arg := range *datasetFlags {
		if err := app.preload(ctx, arg); err != nil {
			return err
		}
	}

	go app.sessions.Run(ctx, sessionSweepInterval)

	build := handlers.BuildVersion{Version: version, Commit: commit, Date: date}
	build.Publish()

	if cfg.MetricsAddr != "" {
		go serveMetrics(log, cfg.MetricsAddr)
	}

	if *mcpFlag {
		srv, err := lakemcp.New(lakemcp.Config{
			Logger:   log,
			Compiler: app.pipeline,
			Registry: app.registry,
			Sessions: app.sessions,
			Version:  version,
		})
		if err != nil {
			return err
		}
		log.Info("mcp: serving tools over stdio")
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp server failed: %w", err)
		}
		return nil
	}

	hcfg := handlers.Config{
		Logger:   log,
		Compiler: app.pipeline,
		Sessions: app.sessions,
		Indexer:  app.indexer,
		Version:  build,
	}
	if app.audit != nil {
		hcfg.Audit = app.audit
	}
	if *corsOriginsFlag != "" {
		hcfg.AllowedOrigins = strings.Split(*corsOriginsFlag, ",")
	}
	api, err := handlers.New(hcfg)
	if err != nil {
		return err
	}
	defer api.Close()

	return serveHTTP(ctx, log, cfg.HTTPAddr, api, *shutdownTimeoutFlag)
}

func serveHTTP(ctx context.Context, log *slog.Logger, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
		close(serveErrCh)
	}()
	log.Info("server: http listening", "address", addr)

	select {
	case err := <-serveErrCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server: stopping", "reason", ctx.Err(), "address", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func serveMetrics(log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics server listener", "error", err)
		return
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("prometheus metrics server stopped", "error", err)
	}
}
