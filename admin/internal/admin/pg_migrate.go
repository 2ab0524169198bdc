package admin

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/churnguard/lake/api/config"
)

// PgMigrateUp applies all pending audit log migrations.
func PgMigrateUp(ctx context.Context, log *slog.Logger, connStr string) error {
	return config.MigrateUp(ctx, log, connStr)
}

// PgMigrateDown rolls back the last audit log migration.
func PgMigrateDown(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("rolling back PostgreSQL migration (down)")
	return config.Migrate(connStr, func(db *sql.DB, dir string) error {
		if err := goose.DownContext(ctx, db, dir); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		log.Info("PostgreSQL migration rollback completed")
		return nil
	})
}

// PgMigrateStatus prints the state of every audit log migration.
func PgMigrateStatus(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("PostgreSQL migration status")
	return config.Migrate(connStr, func(db *sql.DB, dir string) error {
		if err := goose.StatusContext(ctx, db, dir); err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		return nil
	})
}
