package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/churnguard/lake/admin/internal/admin"
	"github.com/churnguard/lake/api/config"
	"github.com/churnguard/lake/indexer/pkg/clickhouse"
	"github.com/churnguard/lake/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// PostgreSQL configuration (audit log)
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "", "PostgreSQL database (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("pg-username", "", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Apply pending audit log migrations")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last audit log migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show audit log migration status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Apply pending ClickHouse snapshot catalog migrations")
	clickhouseMigrateDownFlag := flag.Bool("clickhouse-migrate-down", false, "Roll back the last ClickHouse migration")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse migration status")
	listSnapshotsFlag := flag.Bool("list-snapshots", false, "List snapshots published to ClickHouse")
	resetSnapshotsFlag := flag.Bool("reset-snapshots", false, "Drop all snapshot tables (ds_*) and clear the snapshot catalog")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	override(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	override(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	override(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	override(pgHostFlag, "POSTGRES_HOST")
	override(pgPortFlag, "POSTGRES_PORT")
	override(pgDatabaseFlag, "POSTGRES_DB")
	override(pgUsernameFlag, "POSTGRES_USER")
	override(pgPasswordFlag, "POSTGRES_PASSWORD")
	override(pgSSLModeFlag, "POSTGRES_SSLMODE")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chCfg := clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}
	requireClickHouse := func(cmd string) error {
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --%s", cmd)
		}
		return nil
	}
	pgConnString := func(cmd string) (string, error) {
		if *pgDatabaseFlag == "" || *pgUsernameFlag == "" {
			return "", fmt.Errorf("--pg-database and --pg-username are required for --%s", cmd)
		}
		return config.PgConfig{
			Host:     *pgHostFlag,
			Port:     *pgPortFlag,
			Database: *pgDatabaseFlag,
			Username: *pgUsernameFlag,
			Password: *pgPasswordFlag,
			SSLMode:  *pgSSLModeFlag,
		}.ConnString(), nil
	}

	switch {
	case *pgMigrateFlag:
		connStr, err := pgConnString("pg-migrate")
		if err != nil {
			return err
		}
		return admin.PgMigrateUp(ctx, log, connStr)

	case *pgMigrateDownFlag:
		connStr, err := pgConnString("pg-migrate-down")
		if err != nil {
			return err
		}
		return admin.PgMigrateDown(ctx, log, connStr)

	case *pgMigrateStatusFlag:
		connStr, err := pgConnString("pg-migrate-status")
		if err != nil {
			return err
		}
		return admin.PgMigrateStatus(ctx, log, connStr)

	case *clickhouseMigrateFlag:
		if err := requireClickHouse("clickhouse-migrate"); err != nil {
			return err
		}
		return clickhouse.Up(ctx, log, chCfg)

	case *clickhouseMigrateDownFlag:
		if err := requireClickHouse("clickhouse-migrate-down"); err != nil {
			return err
		}
		return clickhouse.Down(ctx, log, chCfg)

	case *clickhouseMigrateStatusFlag:
		if err := requireClickHouse("clickhouse-migrate-status"); err != nil {
			return err
		}
		return clickhouse.Status(ctx, log, chCfg)

	case *listSnapshotsFlag, *resetSnapshotsFlag:
		cmd := "list-snapshots"
		if *resetSnapshotsFlag {
			cmd = "reset-snapshots"
		}
		if err := requireClickHouse(cmd); err != nil {
			return err
		}
		client, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer client.Close()

		if *listSnapshotsFlag {
			return admin.ListSnapshots(ctx, clickhouse.NewStore(log, client), os.Stdout)
		}
		return admin.ResetSnapshots(ctx, log, client, admin.ResetSnapshotsConfig{
			Database:    chCfg.Database,
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	flag.Usage()
	return errors.New("no command given")
}
