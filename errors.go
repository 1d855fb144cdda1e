package vaultenv

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProvider is returned when a settings type declares something
	// that is not a usable provider.
	ErrInvalidProvider = errors.New("invalid vault provider declaration")

	// ErrExecutableNotFound is returned when a provider's backing executable
	// cannot be located.
	ErrExecutableNotFound = errors.New("vault executable not found")

	// ErrBackend wraps failures reported by the secret backend itself.
	ErrBackend = errors.New("backend error")

	// ErrMalformedResponse is returned when the backend answers with data that
	// cannot be parsed.
	ErrMalformedResponse = errors.New("malformed vault response")

	// ErrSchemaMismatch is returned when a parsed response lacks the expected shape.
	ErrSchemaMismatch = errors.New("vault response schema mismatch")

	// ErrValidation is returned when the decoded settings fail struct validation.
	ErrValidation = errors.New("settings validation failed")
)

// RetrievalError records a failed provider query. Errors returned by a
// provider are wrapped unchanged so errors.Is works against the sentinels above.
type RetrievalError struct {
	Provider string
	Err      error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("vault retrieval via %s failed: %v", e.Provider, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// BackendError builds an ErrBackend with the backend's message attached.
// An empty message is reported as "unknown error".
func BackendError(msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("%w: %s", ErrBackend, msg)
}
