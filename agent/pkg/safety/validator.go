package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// violation is the first policy breach found in a program.
type violation struct {
	reason program.Reason
	detail string
}

func deny(reason program.Reason, format string, args ...any) *violation {
	return &violation{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// Validator statically checks candidates against a policy. It parses but
// never executes the program and has no side effects beyond setting the
// candidate status.
type Validator struct {
	policy *Policy
	log    *slog.Logger
}

func NewValidator(policy *Policy, log *slog.Logger) *Validator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Validator{policy: policy, log: log}
}

// Validate checks c against the policy and the catalog. On success the
// candidate is marked validated with its lowered plan and nil is returned.
// Otherwise the candidate is marked rejected and a validation_rejected
// *queryerr.Error is returned.
func (v *Validator) Validate(ctx context.Context, c *program.Candidate, cat *dataset.Catalog) error {
	if c.Status() != program.StatusUnchecked {
		return fmt.Errorf("validate: %w", program.ErrAlreadyChecked)
	}

	plan, viol := v.check(ctx, c, cat)
	if viol == nil {
		bound, _, err := program.Bind(plan, cat)
		if err != nil {
			viol = bindViolation(err)
		} else {
			plan = bound
		}
	}
	if viol == nil {
		viol = v.checkOperations(plan)
	}

	if viol != nil {
		if err := c.MarkRejected(viol.reason, viol.detail); err != nil {
			return err
		}
		v.log.Info("safety: candidate rejected", "kind", c.Kind(), "reason", viol.reason, "detail", viol.detail)
		return queryerr.Rejected(string(viol.reason), viol.detail)
	}

	if err := c.MarkValidated(plan); err != nil {
		return err
	}
	v.log.Debug("safety: candidate validated", "kind", c.Kind(), "canonical", plan.String())
	return nil
}

func (v *Validator) check(ctx context.Context, c *program.Candidate, cat *dataset.Catalog) (*program.Plan, *violation) {
	src := c.Source()
	if len(src) > v.policy.MaxSourceBytes() {
		return nil, deny(program.ReasonSyntaxError, "program is %d bytes, limit %d", len(src), v.policy.MaxSourceBytes())
	}
	switch c.Kind() {
	case program.KindTabular:
		return v.checkPython(ctx, []byte(src), cat)
	case program.KindSQL:
		return v.checkSQL(ctx, []byte(src), cat)
	}
	return nil, deny(program.ReasonSyntaxError, "unparseable program")
}

func bindViolation(err error) *violation {
	if errors.Is(err, program.ErrUnknownColumn) {
		return deny(program.ReasonDisallowedAttribute, "%v", err)
	}
	return deny(program.ReasonDisallowedCall, "%v", err)
}

// checkOperations denies plans that use an operation outside the policy
// allow-list.
func (v *Validator) checkOperations(plan *program.Plan) *violation {
	for _, op := range PlanOperations(plan) {
		if !v.policy.Allows(op) {
			return deny(program.ReasonDisallowedCall, "operation %s is not allowed", op)
		}
	}
	return nil
}

// PlanOperations lists the allow-list operations plan uses, in first-use order.
func PlanOperations(plan *program.Plan) []Operation {
	var out []Operation
	seen := map[Operation]bool{}
	add := func(op Operation) {
		if !seen[op] {
			seen[op] = true
			out = append(out, op)
		}
	}
	var visit func(e program.Expr)
	visit = func(e program.Expr) {
		switch x := e.(type) {
		case program.Arith:
			add(OpArithmetic)
			visit(x.Left)
			visit(x.Right)
		case program.Compare:
			add(OpComparison)
			visit(x.Left)
			visit(x.Right)
		case program.Logical:
			add(OpComparison)
			visit(x.Left)
			visit(x.Right)
		case program.Not:
			visit(x.Expr)
		case program.In:
			add(OpComparison)
			visit(x.Expr)
		case program.IsNull:
			add(OpComparison)
			visit(x.Expr)
		case program.Match:
			add(OpStringMatch)
			visit(x.Expr)
		}
	}
	for _, step := range plan.Steps {
		switch s := step.(type) {
		case program.Filter:
			add(OpFilter)
			visit(s.Pred)
		case program.Project, program.Limit:
			add(OpProject)
		case program.Distinct:
			add(OpDistinct)
		case program.Sort:
			add(OpSort)
		case program.Aggregate, program.GroupAggregate:
			add(OpAggregate)
		}
	}
	return out
}
