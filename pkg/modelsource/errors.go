package modelsource

import (
	"errors"
	"fmt"
)

var (
	// ErrModelNotFound indicates that a model identifier could not be
	// resolved locally or in a registry.
	ErrModelNotFound = errors.New("model not found")
	// ErrNoWeights indicates that a pulled artifact carries no GGUF or
	// safetensors layers.
	ErrNoWeights = errors.New("artifact has no model weights")
)

// ReferenceError is returned when a registry pull fails.
type ReferenceError struct {
	Reference string
	Err       error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("pulling %s: %v", e.Reference, e.Err)
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}
