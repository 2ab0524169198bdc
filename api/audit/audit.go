// Package audit stores rejected and failed queries in PostgreSQL.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/churnguard/lake/agent/pkg/workflow"
)

// Recorder implements workflow.Auditor over a pgx pool.
type Recorder struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRecorder(log *slog.Logger, pool *pgxpool.Pool) *Recorder {
	return &Recorder{log: log, pool: pool}
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// Record inserts one event.
func (r *Recorder) Record(ctx context.Context, ev workflow.AuditEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO query_audit
			(query_id, session_id, dataset_ref, snapshot_id, question, stage, kind, reason, program, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.QueryID, nullUUID(ev.SessionID), ev.DatasetRef, nullUUID(ev.SnapshotID), ev.Question,
		string(ev.Stage), ev.Kind, ev.Reason, ev.Program, ev.Detail, ev.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	r.log.Debug("audit: recorded", "query_id", ev.QueryID, "stage", ev.Stage, "kind", ev.Kind)
	return nil
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Kind       string
	DatasetRef string
	Since      time.Time
	Limit      int
}

// Recent returns the newest events first.
func (r *Recorder) Recent(ctx context.Context, f Filter) ([]workflow.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT query_id, session_id, dataset_ref, snapshot_id, question, stage, kind, reason, program, detail, recorded_at
		FROM query_audit
		WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR dataset_ref = $2) AND recorded_at >= $3
		ORDER BY recorded_at DESC, id DESC
		LIMIT $4`,
		f.Kind, f.DatasetRef, f.Since, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.AuditEvent, error) {
		var ev workflow.AuditEvent
		var sessionID, snapshotID *uuid.UUID
		var stage string
		if err := row.Scan(&ev.QueryID, &sessionID, &ev.DatasetRef, &snapshotID, &ev.Question,
			&stage, &ev.Kind, &ev.Reason, &ev.Program, &ev.Detail, &ev.At); err != nil {
			return ev, err
		}
		if sessionID != nil {
			ev.SessionID = *sessionID
		}
		if snapshotID != nil {
			ev.SnapshotID = *snapshotID
		}
		ev.Stage = workflow.Stage(stage)
		ev.At = ev.At.UTC()
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit events: %w", err)
	}
	return events, nil
}

// CountByKind returns the number of events per kind since the given time.
func (r *Recorder) CountByKind(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT kind, count(*) FROM query_audit WHERE recorded_at >= $1 GROUP BY kind`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}
