package calibration

import "fmt"

// DimensionMismatchError reports a length or shape conflict between the
// design matrix, weight vector, or calibration targets. It is fatal and is
// raised before any numeric work begins.
type DimensionMismatchError struct {
	Field    string `json:"field"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
}

// Error implements the error interface
func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch on %s: expected %d, got %d", e.Field, e.Expected, e.Actual)
}

// InvalidWeightError reports a non-positive or non-finite weight entry.
type InvalidWeightError struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// Error implements the error interface
func (e *InvalidWeightError) Error() string {
	return fmt.Sprintf("invalid weight at index %d: %v (weights must be finite and > 0)", e.Index, e.Value)
}

// InvalidValueError reports a non-finite design-matrix cell in a context
// that requires complete data (the plain moment estimator and the
// calibration estimators; BlockMoments is the missing-tolerant path).
type InvalidValueError struct {
	Row      int    `json:"row"`
	Column   int    `json:"column"`
	Variable string `json:"variable"`
}

// Error implements the error interface
func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("missing or non-finite value at row %d, variable %q", e.Row, e.Variable)
}

// SetupError reports a calibration problem that cannot be optimized at all,
// typically a target covariance that is not positive definite when a
// parameterization requiring inversion is selected. It is fatal: the caller
// must switch to a masked parameterization or fix the target estimate.
type SetupError struct {
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Error implements the error interface
func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calibration setup failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("calibration setup failed: %s", e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// Severity classifies advisory issues attached to results and reports.
type Severity string

const (
	// SeverityError marks a check the estimate failed outright.
	SeverityError Severity = "error"
	// SeverityWarning marks a low-confidence condition the caller should review.
	SeverityWarning Severity = "warning"
	// SeverityNote marks an informational observation.
	SeverityNote Severity = "note"
)

// Issue is a single advisory finding. Issues never halt the caller; they are
// attached to results so that no degradation is silent.
type Issue struct {
	Severity Severity    `json:"severity"`
	Code     string      `json:"code"`
	Message  string      `json:"message"`
	Value    interface{} `json:"value,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Code, i.Message)
}
