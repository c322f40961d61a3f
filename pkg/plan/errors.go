package plan

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan is returned when an execution plan violates a structural or
// feasibility invariant: stage spans inconsistent with the model's operator
// sequence, a degree below 1, or a degree combination that does not divide
// the device mesh. Invalid plans are never clamped into shape — the caller
// decides whether to drop the candidate or fail the request.
var ErrInvalidPlan = errors.New("invalid execution plan")

// InvalidPlanError wraps ErrInvalidPlan with the offending plan's identity
// and the specific invariant that failed. errors.Is(err, ErrInvalidPlan)
// still matches through Unwrap.
type InvalidPlanError struct {
	PlanKey string
	Reason  string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrInvalidPlan, e.Reason, e.PlanKey)
}

func (e *InvalidPlanError) Unwrap() error { return ErrInvalidPlan }

func invalid(p ExecutionPlan, reason string) error {
	return &InvalidPlanError{PlanKey: p.Key(), Reason: reason}
}
