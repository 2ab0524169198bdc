package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/metrics"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store holds published snapshot tables in a SQLite database and serves
// read-only SELECTs over them.
type Store struct {
	log  *slog.Logger
	db   *sql.DB
	path string

	mu        sync.Mutex
	published map[string]bool
}

// Open opens or creates the database at path. An in-memory database is
// pinned to a single connection so every caller sees the same tables.
func Open(ctx context.Context, log *slog.Logger, path string) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}
	dsn := path
	if path != MemoryPath {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	log.Info("sqlite store initialized", "path", path)
	return &Store{log: log, db: db, path: path, published: make(map[string]bool)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sqlType(t dataset.ColumnType) string {
	switch t {
	case dataset.ColumnTypeNumeric:
		return "REAL"
	case dataset.ColumnTypeBoolean:
		return "INTEGER"
	}
	return "TEXT"
}

// Publish writes snap into its own table. Publishing the same snapshot
// twice is a no-op; snapshots are immutable.
func (s *Store) Publish(ctx context.Context, snap *dataset.Snapshot) (err error) {
	cat := snap.Catalog()
	table := cat.Table()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published[table] {
		return nil
	}

	start := time.Now()
	defer func() { metrics.RecordSnapshotPublish("sqlite", time.Since(start), err) }()

	defs := make([]string, 0, cat.Len()+1)
	for _, c := range cat.Columns() {
		defs = append(defs, quote(c.Name)+" "+sqlType(c.Type))
	}
	defs = append(defs, dataset.RowColumn+" INTEGER NOT NULL")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin publish: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quote(table), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", cat.Len()+1), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quote(table), marks))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	dialect := executor.SQLiteDialect{}
	args := make([]any, cat.Len()+1)
	for i, row := range snap.Rows() {
		for j, v := range row {
			args[j] = dialect.Arg(v)
		}
		args[cat.Len()] = int64(i + 1)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}

	s.published[table] = true
	s.log.Debug("sqlite: published snapshot", "table", table, "rows", snap.Len())
	return nil
}

// Drop removes the table of a superseded snapshot.
func (s *Store) Drop(ctx context.Context, snap *dataset.Snapshot) error {
	table := snap.Catalog().Table()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	delete(s.published, table)
	return nil
}

// ExecuteSelect runs a single SELECT on a connection switched to
// query_only, so the statement cannot write even if it tried.
func (s *Store) ExecuteSelect(ctx context.Context, statement string, args ...any) (rows [][]any, columns []string, err error) {
	if err := executor.CheckSelect(statement); err != nil {
		return nil, nil, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, nil, fmt.Errorf("failed to enter query_only: %w", err)
	}
	defer func() {
		if _, resetErr := conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); resetErr != nil {
			err = errors.Join(err, resetErr)
		}
	}()

	r, err := conn.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	columns, err = r.Columns()
	if err != nil {
		return nil, nil, err
	}
	for r.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := r.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rows = append(rows, values)
	}
	if err := r.Err(); err != nil {
		return nil, nil, err
	}
	return rows, columns, nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
