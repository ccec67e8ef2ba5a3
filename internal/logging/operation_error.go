package logging

import "fmt"

// OperationError annotates an error with the pipeline step that produced it
// and, when known, the detection record or upload it concerns.
type OperationError struct {
	Operation string
	RecordID  string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RecordID != "" {
		return fmt.Sprintf("%s (record_id=%s): %v", e.Operation, e.RecordID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and record it belongs to.
// It returns nil when err is nil so call sites can wrap unconditionally.
func NewOperationError(operation, recordID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RecordID: recordID, Err: err}
}
