package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/metrics"
)

// SnapshotInfo is one row of the lake_snapshots catalog table.
type SnapshotInfo struct {
	ID          uuid.UUID
	Name        string
	Table       string
	Rows        uint64
	Columns     []dataset.Column
	PublishedAt time.Time
}

// Store publishes snapshots as ClickHouse tables and serves read-only
// SELECTs over them.
type Store struct {
	log    *slog.Logger
	client Client

	mu        sync.Mutex
	published map[string]bool
}

func NewStore(log *slog.Logger, client Client) *Store {
	return &Store{log: log, client: client, published: make(map[string]bool)}
}

func columnType(t dataset.ColumnType) string {
	switch t {
	case dataset.ColumnTypeNumeric:
		return "Nullable(Float64)"
	case dataset.ColumnTypeBoolean:
		return "Nullable(Bool)"
	case dataset.ColumnTypeDate:
		return "Nullable(DateTime64(3, 'UTC'))"
	}
	return "Nullable(String)"
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Publish creates the snapshot table, loads every row in one batch, and
// records the snapshot in lake_snapshots. Re-publishing is a no-op.
func (s *Store) Publish(ctx context.Context, snap *dataset.Snapshot) (err error) {
	cat := snap.Catalog()
	table := cat.Table()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published[table] {
		return nil
	}

	start := time.Now()
	defer func() { metrics.RecordSnapshotPublish("clickhouse", time.Since(start), err) }()

	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	defs := make([]string, 0, cat.Len()+1)
	for _, c := range cat.Columns() {
		defs = append(defs, quote(c.Name)+" "+columnType(c.Type))
	}
	defs = append(defs, dataset.RowColumn+" UInt64")
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY %s",
		quote(table), strings.Join(defs, ", "), dataset.RowColumn)
	if err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	insertCtx := ContextWithSyncInsert(ctx)
	batch, err := conn.PrepareBatch(insertCtx, "INSERT INTO "+quote(table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	vals := make([]any, cat.Len()+1)
	for i, row := range snap.Rows() {
		copy(vals, row)
		vals[cat.Len()] = uint64(i + 1)
		if err := batch.Append(vals...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	cols, err := json.Marshal(cat.Columns())
	if err != nil {
		return fmt.Errorf("failed to encode columns: %w", err)
	}
	now := time.Now().UTC()
	if err := conn.Exec(insertCtx,
		"INSERT INTO lake_snapshots (id, name, table_name, row_count, columns, published_at, dropped_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, NULL, ?)",
		snap.ID(), snap.Name(), table, uint64(snap.Len()), string(cols), snap.CreatedAt().UTC(), now,
	); err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}

	s.published[table] = true
	s.log.Debug("clickhouse: published snapshot", "table", table, "rows", snap.Len())
	return nil
}

// Drop removes the table of a superseded snapshot and marks it dropped in
// the catalog.
func (s *Store) Drop(ctx context.Context, snap *dataset.Snapshot) error {
	table := snap.Catalog().Table()

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+quote(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	cols, err := json.Marshal(snap.Catalog().Columns())
	if err != nil {
		return fmt.Errorf("failed to encode columns: %w", err)
	}
	now := time.Now().UTC()
	if err := conn.Exec(ContextWithSyncInsert(ctx),
		"INSERT INTO lake_snapshots (id, name, table_name, row_count, columns, published_at, dropped_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		snap.ID(), snap.Name(), table, uint64(snap.Len()), string(cols), snap.CreatedAt().UTC(), now, now,
	); err != nil {
		return fmt.Errorf("failed to record dropped snapshot: %w", err)
	}
	delete(s.published, table)
	return nil
}

// Snapshots lists the published snapshots that have not been dropped.
func (s *Store) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx,
		"SELECT id, name, table_name, row_count, columns, published_at FROM lake_snapshots FINAL WHERE dropped_at IS NULL ORDER BY published_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var cols string
		if err := rows.Scan(&info.ID, &info.Name, &info.Table, &info.Rows, &cols, &info.PublishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(cols), &info.Columns); err != nil {
			return nil, fmt.Errorf("failed to decode columns of %s: %w", info.Table, err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// ExecuteSelect runs a single SELECT in read-only mode.
func (s *Store) ExecuteSelect(ctx context.Context, statement string, args ...any) ([][]any, []string, error) {
	if err := executor.CheckSelect(statement); err != nil {
		return nil, nil, err
	}

	conn, err := s.client.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ContextReadOnly(ctx), statement, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns := rows.Columns()
	types := rows.ColumnTypes()
	var out [][]any
	for rows.Next() {
		ptrs := scanTargets(types)
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, dereference(ptrs))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, columns, nil
}
