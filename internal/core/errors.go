// Package core defines sentinel errors.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors following the wrap-and-inspect pattern: callers match them
// with errors.Is, concrete context is added with fmt.Errorf("...: %w").
var (
	// Store errors
	ErrEmptyStore   = errors.New("wirecheck: no records captured")
	ErrMarkNotFound = errors.New("wirecheck: mark not found")

	// Verification errors
	ErrSequenceMismatch = errors.New("wirecheck: expected packet not found")

	// Capture errors
	ErrCaptureHandle      = errors.New("wirecheck: capture handle failed")
	ErrCaptureState       = errors.New("wirecheck: invalid capture state")
	ErrShutdownIncomplete = errors.New("wirecheck: capture shutdown incomplete")

	// Configuration errors
	ErrConfigInvalid = errors.New("wirecheck: invalid configuration")
)

// MismatchError identifies the first expectation that could not be located
// inside a verification window.
type MismatchError struct {
	Position int    // position of the expectation in the expected list
	Expected string // rendered expectation
	Window   Window
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("packet not found: %s (expectation #%d, window %s)", e.Expected, e.Position, e.Window)
}

// Unwrap makes MismatchError match ErrSequenceMismatch.
func (e *MismatchError) Unwrap() error {
	return ErrSequenceMismatch
}
