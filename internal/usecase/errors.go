package usecase

import "errors"

// Failure kinds of the detection pipeline. Use errors.Is to classify an error
// returned by DetectionUseCase.
var (
	ErrInvalidUpload        = errors.New("invalid upload")
	ErrUploadFailed         = errors.New("failed to store upload")
	ErrClassificationFailed = errors.New("prediction failed")
	ErrResponseParsing      = errors.New("prediction parsing error")
	ErrPersistence          = errors.New("failed to save detection")
	ErrRecordNotFound       = errors.New("record not found")
)

// StepError ties a failure kind to the error that caused it.
type StepError struct {
	Kind error
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

// Is reports whether target is the failure kind.
func (e *StepError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the cause.
func (e *StepError) Unwrap() error {
	return e.Err
}
