package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/churnguard/lake/indexer/pkg/clickhouse"
)

// ResetSnapshotsConfig controls ResetSnapshots.
type ResetSnapshotsConfig struct {
	Database    string
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

// ResetSnapshots drops every snapshot table (ds_*) and clears the snapshot
// catalog. Running API processes republish on their next upload.
func ResetSnapshots(ctx context.Context, log *slog.Logger, client clickhouse.Client, cfg ResetSnapshotsConfig) error {
	conn, err := client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = ?
		  AND engine != 'View'
		  AND startsWith(name, 'ds_')
		ORDER BY name
	`, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read tables: %w", err)
	}

	out := cfg.Out
	if len(tables) == 0 {
		fmt.Fprintln(out, "No snapshot tables found")
		return nil
	}

	fmt.Fprintf(out, "WARNING: This will DROP %d snapshot table(s) from database '%s':\n\n", len(tables), cfg.Database)
	for _, table := range tables {
		fmt.Fprintf(out, "  - %s\n", table)
	}

	if cfg.DryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would drop the above tables and clear lake_snapshots")
		return nil
	}

	if !cfg.SkipConfirm {
		ok, err := confirm(cfg.In, out)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "\nConfirmation failed. Operation cancelled.")
			return nil
		}
	}

	for _, table := range tables {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Fprintf(out, "  dropped %s\n", table)
	}
	if err := conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS lake_snapshots"); err != nil {
		return fmt.Errorf("failed to clear snapshot catalog: %w", err)
	}
	log.Info("admin: snapshot tables reset", "database", cfg.Database, "tables", len(tables))
	return nil
}

// confirm asks for a typed "yes" before a destructive operation.
func confirm(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\nType 'yes' to confirm: ")
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return strings.TrimSpace(strings.ToLower(response)) == "yes", nil
}
