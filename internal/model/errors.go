package model

import "fmt"

// CaptureErrorKind categorizes capture-source failures.
type CaptureErrorKind int

const (
	CaptureOpenFailed CaptureErrorKind = iota
	CaptureFilterInvalid
	CaptureReadFailed
)

func (k CaptureErrorKind) String() string {
	switch k {
	case CaptureOpenFailed:
		return "open_failed"
	case CaptureFilterInvalid:
		return "filter_invalid"
	case CaptureReadFailed:
		return "read_failed"
	default:
		return "unknown"
	}
}

// CaptureError is a structured capture-source failure.
type CaptureError struct {
	Kind CaptureErrorKind
	Op   string
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("capture %s: %s", e.Op, e.Kind)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// NewCaptureError wraps err as a CaptureError of the given kind.
func NewCaptureError(kind CaptureErrorKind, op string, err error) error {
	return &CaptureError{Kind: kind, Op: op, Err: err}
}

// ModelErrorKind categorizes inference failures.
type ModelErrorKind int

const (
	ModelNotLoaded ModelErrorKind = iota
	ModelInferenceFailed
)

func (k ModelErrorKind) String() string {
	switch k {
	case ModelNotLoaded:
		return "not_loaded"
	case ModelInferenceFailed:
		return "inference_failed"
	default:
		return "unknown"
	}
}

// ModelError is a structured inference failure.
type ModelError struct {
	Kind ModelErrorKind
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("model: %s", e.Kind)
}

func (e *ModelError) Unwrap() error { return e.Err }

// NewModelError wraps err as a ModelError of the given kind.
func NewModelError(kind ModelErrorKind, err error) error {
	return &ModelError{Kind: kind, Err: err}
}

// ActionErrorKind categorizes response-action failures.
type ActionErrorKind int

const (
	ActionInvalid ActionErrorKind = iota
	ActionExecutionFailed
	ActionCapacityExceeded
	ActionNotFound
)

func (k ActionErrorKind) String() string {
	switch k {
	case ActionInvalid:
		return "invalid"
	case ActionExecutionFailed:
		return "execution_failed"
	case ActionCapacityExceeded:
		return "capacity_exceeded"
	case ActionNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ActionError is a structured response-action failure.
type ActionError struct {
	Kind     ActionErrorKind
	ActionID string
	Err      error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action %s: %s: %v", e.ActionID, e.Kind, e.Err)
	}
	return fmt.Sprintf("action %s: %s", e.ActionID, e.Kind)
}

func (e *ActionError) Unwrap() error { return e.Err }

// NewActionError wraps err as an ActionError of the given kind.
func NewActionError(kind ActionErrorKind, actionID string, err error) error {
	return &ActionError{Kind: kind, ActionID: actionID, Err: err}
}
