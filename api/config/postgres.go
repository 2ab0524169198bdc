package config

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const migrationsDir = "migrations"

// PgConfig holds the PostgreSQL configuration of the audit log.
type PgConfig struct {
	Host          string
	Port          string
	Database      string
	Username      string
	Password      string
	SSLMode       string
	RunMigrations bool
}

// loadPostgres reads POSTGRES_*. It returns nil when POSTGRES_DB is unset,
// which disables the audit log.
func loadPostgres(getenv func(string) string) (*PgConfig, error) {
	cfg := &PgConfig{
		Host:          getenv("POSTGRES_HOST"),
		Port:          getenv("POSTGRES_PORT"),
		Database:      getenv("POSTGRES_DB"),
		Username:      getenv("POSTGRES_USER"),
		Password:      getenv("POSTGRES_PASSWORD"),
		SSLMode:       getenv("POSTGRES_SSLMODE"),
		RunMigrations: getenv("POSTGRES_RUN_MIGRATIONS") == "true",
	}
	if cfg.Database == "" {
		return nil, nil
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	return cfg, nil
}

// ConnString returns a postgres:// URL for cfg.
func (cfg PgConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     cfg.Host + ":" + cfg.Port,
		Path:     cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

// OpenPostgres creates and pings a connection pool.
func OpenPostgres(ctx context.Context, log *slog.Logger, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("connected to PostgreSQL", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return pool, nil
}

// Migrate opens a database/sql handle and runs fn against the embedded
// audit migrations with goose.
func Migrate(connStr string, fn func(db *sql.DB, dir string) error) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db, migrationsDir)
}

// MigrateUp applies all pending audit migrations.
func MigrateUp(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("running PostgreSQL migrations (up)")
	return Migrate(connStr, func(db *sql.DB, dir string) error {
		if err := goose.UpContext(ctx, db, dir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("PostgreSQL migrations completed")
		return nil
	})
}
