package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LLMClient is a text generation backend. Both the generator and the
// summarizer call it with a fixed system prompt and one user message.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AuditEvent describes one query that was rejected or failed. Detail holds
// the unsanitized error and never reaches the user.
type AuditEvent struct {
	QueryID    uuid.UUID `json:"query_id"`
	SessionID  uuid.UUID `json:"session_id"`
	DatasetRef string    `json:"dataset_ref"`
	SnapshotID uuid.UUID `json:"snapshot_id"`
	Question   string    `json:"question"`
	Stage      Stage     `json:"stage"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	Program    string    `json:"program,omitempty"`
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}

// Auditor persists audit events.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent) error
}
