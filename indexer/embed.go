package indexer

import "embed"

// ClickHouseMigrationsFS holds the goose migrations for the snapshot
// catalog table in ClickHouse.
//
//go:embed db/clickhouse/migrations/*.sql
var ClickHouseMigrationsFS embed.FS
