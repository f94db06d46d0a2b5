package model

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is returned when a sample is shorter than the feature mapping
	// requires, or when classifying before any label has been trained.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrIO wraps failures of the underlying file or stream.
	ErrIO = errors.New("io error")

	// ErrSerialization is returned for corrupt or incompatible model blobs.
	ErrSerialization = errors.New("serialization error")

	// ErrPoisoned is returned after an operation panicked while holding the network lock.
	ErrPoisoned = errors.New("network state poisoned")
)

// ValidationError reports hyperparameters that violate the network invariants.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

func serializationError(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrSerialization, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrSerialization, op, err)
}
