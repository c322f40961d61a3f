package predict

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned by Fit when the corpus is below the
	// configured minimum. Training a regression head on a handful of points
	// produces a model that looks plausible and predicts garbage, so the
	// pipeline refuses outright instead of persisting a bad artifact.
	ErrInsufficientData = errors.New("not enough training examples")

	// ErrSchemaMismatch is returned when an encoded graph's feature layout
	// does not match what the model was trained on. Fatal for the operation:
	// the caller must retrain rather than risk silently wrong predictions.
	ErrSchemaMismatch = errors.New("feature schema mismatch")
)

// InsufficientDataError reports how far short the corpus fell, so the
// caller's log line tells the operator exactly how many more measurements
// are needed.
type InsufficientDataError struct {
	Have, Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: have %d, need at least %d", ErrInsufficientData, e.Have, e.Need)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// SchemaMismatchError carries both sides of the incompatibility.
type SchemaMismatchError struct {
	WantVersion string
	GotVersion  string
	WantWidth   int
	GotWidth    int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%v: model expects %s/width %d, input is %s/width %d",
		ErrSchemaMismatch, e.WantVersion, e.WantWidth, e.GotVersion, e.GotWidth)
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }
