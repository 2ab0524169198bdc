package executor

import (
	"context"
	"time"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// Job is one bound plan to run against a snapshot.
type Job struct {
	Plan     *program.Plan
	Snapshot *dataset.Snapshot
	// Columns is the output frame of the bound plan.
	Columns []dataset.Column
	MaxRows int
}

// Frame is what a backend returns: either rows or a scalar.
type Frame struct {
	Columns   []dataset.Column
	Rows      [][]any
	Scalar    any
	IsScalar  bool
	Truncated bool
}

// Backend runs bound plans. Implementations must honor ctx cancellation.
type Backend interface {
	Name() string
	Run(ctx context.Context, job Job) (*Frame, error)
}

// Result is the outcome of one executed program.
type Result struct {
	Columns   []dataset.Column `json:"columns"`
	Rows      [][]any          `json:"rows,omitempty"`
	Scalar    any              `json:"scalar,omitempty"`
	IsScalar  bool             `json:"is_scalar"`
	Truncated bool             `json:"truncated"`
	// Total is the number of rows matched before the display cap.
	Total int `json:"total_rows"`

	Program  string         `json:"program"`
	Kind     program.Kind   `json:"kind"`
	Origin   program.Origin `json:"origin"`
	Backend  string         `json:"backend"`
	Duration time.Duration  `json:"duration"`
	Summary  string         `json:"summary,omitempty"`
	Meta     string         `json:"meta,omitempty"`
	Synopsis string         `json:"synopsis,omitempty"`
	Template string         `json:"template,omitempty"`
}

// Empty reports whether the result holds no rows and no scalar.
func (r *Result) Empty() bool {
	return !r.IsScalar && len(r.Rows) == 0
}

// ColumnNames returns the result column names in order.
func (r *Result) ColumnNames() []string {
	out := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = c.Name
	}
	return out
}
