package encode

import (
	"errors"
	"fmt"
)

// ErrGraphTooLarge is returned when a plan graph exceeds the encoder's node
// limit. The plan is excluded from whatever produced it (search space or
// training corpus); the limit is a hard structural bound, not a truncation.
var ErrGraphTooLarge = errors.New("plan graph exceeds encoder node limit")

// GraphTooLargeError carries the offending sizes for the caller's report.
type GraphTooLargeError struct {
	PlanKey string
	Nodes   int
	Limit   int
}

func (e *GraphTooLargeError) Error() string {
	return fmt.Sprintf("%v: %d nodes > limit %d (%s)", ErrGraphTooLarge, e.Nodes, e.Limit, e.PlanKey)
}

func (e *GraphTooLargeError) Unwrap() error { return ErrGraphTooLarge }
