// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/churnguard/lake/indexer/pkg/clickhouse"
)

// Store backends.
const (
	StoreMemory     = "memory"
	StoreSQLite     = "sqlite"
	StoreClickHouse = "clickhouse"
)

type Config struct {
	HTTPAddr          string
	MetricsAddr       string
	SentryDSN         string
	SentryEnvironment string

	LLMProvider    string
	AnthropicModel string
	GeminiAPIKey   string
	GeminiModel    string

	QueryTimeout      time.Duration
	MaxResultRows     int
	DisplayRows       int
	GenerationRetries int
	HistoryTurns      int
	SampleRows        int
	ContextBudget     int

	StoreBackend string
	SQLitePath   string
	ClickHouse   clickhouse.Config

	// Postgres is nil when the audit log is disabled.
	Postgres *PgConfig

	SessionTTL      time.Duration
	GenerationRPS   float64
	GenerationBurst int
}

// Load reads a local .env file if present and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from getenv. Unset keys take their defaults;
// malformed values are errors.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := &env{getenv: getenv}
	cfg := &Config{
		HTTPAddr:          e.str("HTTP_ADDR", ":8080"),
		MetricsAddr:       e.str("METRICS_ADDR", ""),
		SentryDSN:         e.str("SENTRY_DSN", ""),
		SentryEnvironment: e.str("SENTRY_ENVIRONMENT", "development"),

		LLMProvider:    e.str("LLM_PROVIDER", "anthropic"),
		AnthropicModel: e.str("ANTHROPIC_MODEL", ""),
		GeminiAPIKey:   e.str("GEMINI_API_KEY", ""),
		GeminiModel:    e.str("GEMINI_MODEL", ""),

		QueryTimeout:      e.duration("QUERY_TIMEOUT", 5*time.Second),
		MaxResultRows:     e.integer("MAX_RESULT_ROWS", 10000),
		DisplayRows:       e.integer("DISPLAY_ROWS", 50),
		GenerationRetries: e.integer("GENERATION_RETRIES", 2),
		HistoryTurns:      e.integer("HISTORY_TURNS", 3),
		SampleRows:        e.integer("SAMPLE_ROWS", 5),
		ContextBudget:     e.integer("CONTEXT_BUDGET", 6000),

		StoreBackend: e.str("STORE_BACKEND", StoreMemory),
		SQLitePath:   e.str("SQLITE_PATH", ""),
		ClickHouse: clickhouse.Config{
			Addr:     e.str("CLICKHOUSE_ADDR_TCP", ""),
			Database: e.str("CLICKHOUSE_DATABASE", clickhouse.DefaultDatabase),
			Username: e.str("CLICKHOUSE_USERNAME", "default"),
			Password: e.str("CLICKHOUSE_PASSWORD", ""),
			Secure:   e.boolean("CLICKHOUSE_SECURE", false),
		},

		SessionTTL:      e.duration("SESSION_TTL", 30*time.Minute),
		GenerationRPS:   e.float("GENERATION_RPS", 1),
		GenerationBurst: e.integer("GENERATION_BURST", 5),
	}
	if e.err != nil {
		return nil, e.err
	}

	pg, err := loadPostgres(getenv)
	if err != nil {
		return nil, err
	}
	cfg.Postgres = pg

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.LLMProvider {
	case "anthropic", "gemini", "none":
	default:
		return fmt.Errorf("LLM_PROVIDER must be anthropic, gemini or none, got %q", cfg.LLMProvider)
	}
	if cfg.LLMProvider == "gemini" && cfg.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
	}
	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when STORE_BACKEND=sqlite")
		}
	case StoreClickHouse:
		if cfg.ClickHouse.Addr == "" {
			return errors.New("CLICKHOUSE_ADDR_TCP is required when STORE_BACKEND=clickhouse")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, sqlite or clickhouse, got %q", cfg.StoreBackend)
	}
	if cfg.QueryTimeout <= 0 {
		return errors.New("QUERY_TIMEOUT must be positive")
	}
	if cfg.GenerationRPS <= 0 {
		return errors.New("GENERATION_RPS must be positive")
	}
	return nil
}

// env reads typed values and keeps the first parse error.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
}

func (e *env) integer(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) boolean(key string, def bool) bool {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}
