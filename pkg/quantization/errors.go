package quantization

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMethod is returned when a quantization method outside of
	// the supported set is requested. It is raised before any directory is
	// created or any model is loaded. If returned in conjunction with an HTTP
	// request, it should be paired with a 400 response status.
	ErrUnsupportedMethod = errors.New("unsupported quantization method")
	// ErrInvalidState is returned when an operation that needs a loaded model
	// is invoked before the model has been loaded.
	ErrInvalidState = errors.New("invalid quantizer state")
	// ErrBackendFailure indicates that the numeric backend failed to load,
	// transform or save a model. It is always fatal to the current job.
	ErrBackendFailure = errors.New("quantization backend failure")
	// ErrResourceUnavailable indicates that the base model could not be
	// fetched or opened. If returned in conjunction with an HTTP request, it
	// should be paired with a 503 response status.
	ErrResourceUnavailable = errors.New("resource unavailable")
)

// UnsupportedMethodError names the rejected method.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("%s: %q (supported: int8, int4, gptq, awq)", ErrUnsupportedMethod, e.Method)
}

// Is reports whether target is ErrUnsupportedMethod.
func (e *UnsupportedMethodError) Is(target error) bool {
	return target == ErrUnsupportedMethod
}

// BackendError records the backend operation that failed. It matches
// ErrBackendFailure with errors.Is, as well as anything the wrapped error
// matches (for example ErrResourceUnavailable or context.Canceled).
type BackendError struct {
	// Op is the failed stage: "load", "transform", "save" or "verify".
	Op string
	// Method is the quantization method being run.
	Method Method
	// Err is the underlying error.
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrBackendFailure.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendFailure
}

// ErrInvalidOptions is returned when per-call options are not acceptable for
// the requested method. It is raised before any model is loaded.
var ErrInvalidOptions = errors.New("invalid quantization options")

// invalidOptions wraps a formatted reason with ErrInvalidOptions.
func invalidOptions(method string, format string, args ...any) error {
	return fmt.Errorf("%w for %s: %w", ErrInvalidOptions, method, fmt.Errorf(format, args...))
}
