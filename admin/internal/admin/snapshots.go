package admin

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/churnguard/lake/indexer/pkg/clickhouse"
)

// SnapshotLister lists published snapshots.
type SnapshotLister interface {
	Snapshots(ctx context.Context) ([]clickhouse.SnapshotInfo, error)
}

// ListSnapshots prints the live snapshots of the ClickHouse store.
func ListSnapshots(ctx context.Context, store SnapshotLister, out io.Writer) error {
	infos, err := store.Snapshots(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No published snapshots")
		return nil
	}
	return writeSnapshots(out, infos)
}

func writeSnapshots(out io.Writer, infos []clickhouse.SnapshotInfo) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTABLE\tROWS\tCOLUMNS\tPUBLISHED")
	for _, info := range infos {
		names := make([]string, len(info.Columns))
		for i, c := range info.Columns {
			names[i] = c.Name + ":" + string(c.Type)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			info.Name, info.Table, info.Rows, strings.Join(names, ","), info.PublishedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
