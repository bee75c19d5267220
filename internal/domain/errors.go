package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrStateConflict is returned when a conditional state update finds the
	// message in a different state than the caller observed.
	ErrStateConflict = errors.New("message state changed concurrently")

	ErrInvalidTransition = errors.New("invalid state transition")
)

// CreationError wraps a persistence failure raised while creating messages.
type CreationError struct {
	Channel Channel
	Err     error
}

func (e *CreationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("failed to create %s message: %v", e.Channel, e.Err)
}

func (e *CreationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
