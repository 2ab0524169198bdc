package program

import (
	"errors"
	"fmt"
)

// Kind is the variant of a candidate program.
type Kind string

const (
	KindSQL         Kind = "sql_query"
	KindTabular     Kind = "tabular_program"
	KindUnparseable Kind = "unparseable"
)

// Origin records which path produced a candidate.
type Origin string

const (
	OriginGenerated Origin = "generated"
	OriginFallback  Origin = "fallback"
)

// Status is the validation state of a candidate.
type Status string

const (
	StatusUnchecked Status = "unchecked"
	StatusValidated Status = "validated"
	StatusRejected  Status = "rejected"
)

// Reason explains a rejection.
type Reason string

const (
	ReasonSyntaxError         Reason = "syntax_error"
	ReasonDisallowedImport    Reason = "disallowed_import"
	ReasonDisallowedCall      Reason = "disallowed_call"
	ReasonDisallowedAttribute Reason = "disallowed_attribute"
	ReasonUnboundedLoop       Reason = "unbounded_loop"
)

var ErrAlreadyChecked = errors.New("candidate already checked")

// Candidate is a program produced by generation or by the fallback
// builder. Only a validated candidate carries a plan, and only a candidate
// carrying a plan can be executed.
type Candidate struct {
	kind   Kind
	source string
	origin Origin

	status Status
	reason Reason
	detail string
	plan   *Plan
}

func NewCandidate(kind Kind, source string, origin Origin) *Candidate {
	return &Candidate{kind: kind, source: source, origin: origin, status: StatusUnchecked}
}

func (c *Candidate) Kind() Kind       { return c.kind }
func (c *Candidate) Source() string   { return c.source }
func (c *Candidate) Origin() Origin   { return c.origin }
func (c *Candidate) Status() Status   { return c.status }
func (c *Candidate) Reason() Reason   { return c.reason }
func (c *Candidate) Detail() string   { return c.detail }
func (c *Candidate) Plan() *Plan      { return c.plan }
func (c *Candidate) Executable() bool { return c.status == StatusValidated && c.plan != nil }

// Canonical returns the normalized form of the validated plan, or "".
func (c *Candidate) Canonical() string {
	if c.plan == nil {
		return ""
	}
	return c.plan.String()
}

// MarkValidated attaches the lowered plan. A candidate is checked once.
func (c *Candidate) MarkValidated(plan *Plan) error {
	if c.status != StatusUnchecked {
		return fmt.Errorf("%w: %s", ErrAlreadyChecked, c.status)
	}
	if plan == nil {
		return errors.New("validated candidate requires a plan")
	}
	c.status = StatusValidated
	c.plan = plan
	return nil
}

func (c *Candidate) MarkRejected(reason Reason, detail string) error {
	if c.status != StatusUnchecked {
		return fmt.Errorf("%w: %s", ErrAlreadyChecked, c.status)
	}
	c.status = StatusRejected
	c.reason = reason
	c.detail = detail
	return nil
}
