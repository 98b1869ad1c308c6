package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("retrieval: invalid query")
	// ErrNotReady is returned while the index is warming, rebuilding or
	// corrupt.
	ErrNotReady = errors.New("retrieval: index not ready")
	// ErrIndexCorrupt is returned when a molecule points outside its
	// mirrored content. The index is marked for rebuild.
	ErrIndexCorrupt = errors.New("retrieval: index references invalid bytes")
)

// ValidationError describes a rejected query field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
