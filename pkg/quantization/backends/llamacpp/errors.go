package llamacpp

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConverter is returned when a base model is not in GGUF format and
	// no conversion script is configured.
	ErrNoConverter = errors.New("no GGUF converter configured")
	// ErrUnsupportedFormat is returned for base models that are neither GGUF
	// nor safetensors.
	ErrUnsupportedFormat = errors.New("unsupported model format")
	// ErrNotStaged is returned when Save or Discard receive a model that was
	// not produced by Transform.
	ErrNotStaged = errors.New("model is not a staged result")
)

// ToolError records a failed llama.cpp tool invocation together with the
// tail of its output.
type ToolError struct {
	Tool   string
	Err    error
	Output string
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exit status: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s exit status: %v\nwith output: %s", e.Tool, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
