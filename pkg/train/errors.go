package train

import (
	"errors"
	"fmt"
)

// ErrMeasurementFailed wraps every measurement failure so callers can
// match with errors.Is regardless of the underlying cause.
var ErrMeasurementFailed = errors.New("train: measurement failed")

// MeasurementError reports a candidate whose measurement did not succeed
// within the configured attempts.
type MeasurementError struct {
	PlanKey  string
	Attempts int
	Cause    error
}

func (e *MeasurementError) Error() string {
	return fmt.Sprintf("train: measuring plan %s failed after %d attempts: %v", e.PlanKey, e.Attempts, e.Cause)
}

func (e *MeasurementError) Unwrap() error { return ErrMeasurementFailed }
