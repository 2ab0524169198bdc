package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/churnguard/lake/indexer/pkg/clickhouse"
	"github.com/churnguard/lake/utils/pkg/retry"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

// DB is a ClickHouse container shared by the tests of one package.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the ClickHouse native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

// Config returns client settings for the given database.
func (db *DB) Config(database string) clickhouse.Config {
	return clickhouse.Config{
		Addr:     db.addr,
		Database: database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// NewTestClient creates a client bound to a fresh database with the
// migrations applied. The database is dropped when the test ends.
func NewTestClient(t *testing.T, db *DB) clickhouse.Client {
	t.Helper()

	admin := connectWithRetry(t, db, db.cfg.Database)
	adminConn, err := admin.Conn(t.Context())
	require.NoError(t, err)

	database := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	require.NoError(t, clickhouse.CreateDatabase(t.Context(), db.log, adminConn, database))
	require.NoError(t, clickhouse.Up(t.Context(), db.log, db.Config(database)))

	client := connectWithRetry(t, db, database)
	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminConn.Exec(dropCtx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", database)); err != nil {
			db.log.Error("failed to drop test database", "database", database, "error", err)
		}
		client.Close()
		admin.Close()
	})
	return client
}

// connectWithRetry retries the first connection because ClickHouse may
// need a moment after the container reports ready.
func connectWithRetry(t *testing.T, db *DB, database string) clickhouse.Client {
	t.Helper()
	rc := retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		Retryable:   connectRetryable,
	}
	client, err := retry.DoValue(t.Context(), rc, func() (clickhouse.Client, error) {
		return clickhouse.NewClient(t.Context(), db.log, db.Config(database))
	})
	require.NoError(t, err, "failed to connect to ClickHouse")
	return client
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	rc := retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 750 * time.Millisecond,
		MaxBackoff:  3 * time.Second,
		Retryable:   containerStartRetryable,
	}
	container, err := retry.DoValue(ctx, rc, func() (*tcch.ClickHouseContainer, error) {
		return tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container: %w", err)
	}

	addr, err := container.ConnectionHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container address: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      addr,
		container: container,
	}, nil
}

func containerStartRetryable(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}

func connectRetryable(err error) bool {
	s := err.Error()
	return strings.Contains(s, "handshake") ||
		strings.Contains(s, "failed to ping") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "dial tcp")
}
