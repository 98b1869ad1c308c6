package ece

import (
	"errors"
	"fmt"

	"github.com/hupe1980/ece/internal/archive"
	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/ingest"
	"github.com/hupe1980/ece/internal/retrieval"
	"github.com/hupe1980/ece/internal/workpool"
	"github.com/hupe1980/ece/replica"
)

var (
	// ErrValidation is matched by every *ValidationError and by malformed
	// compound descriptors.
	ErrValidation = errors.New("invalid request")

	// ErrIngestSkipped marks a compound that could not be read or parsed.
	// It never aborts IngestAll.
	ErrIngestSkipped = errors.New("ingest skipped")

	// ErrDuplicate is reported in receipts whose content was entirely
	// present already. Ingest itself does not return it.
	ErrDuplicate = errors.New("duplicate content")

	// ErrResourcePressure is returned when memory pressure stayed critical
	// after a collection hint. Batches committed before the abort remain
	// searchable.
	ErrResourcePressure = errors.New("resource pressure")

	// ErrNotReady is returned while the index is warming, rebuilding or
	// corrupt.
	ErrNotReady = errors.New("index not ready")

	// ErrIndexCorrupt is returned when the index references bytes the mirror
	// does not hold. A rebuild is started in the background.
	ErrIndexCorrupt = errors.New("index corrupt")

	// ErrFatalIO is returned when the mirror cannot be written.
	ErrFatalIO = errors.New("mirror write failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")

	// ErrNotEmpty is returned when importing or restoring into a mirror that
	// already holds data.
	ErrNotEmpty = errors.New("mirror is not empty")
)

// ValidationError describes a rejected request field.
//
// The original underlying error can be accessed via errors.Unwrap.
type ValidationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// Is reports ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var ve *retrieval.ValidationError
	if errors.As(err, &ve) {
		return &ValidationError{Field: ve.Field, Reason: ve.Reason, cause: err}
	}

	switch {
	case errors.Is(err, ingest.ErrInvalid):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, ingest.ErrSkipped):
		return fmt.Errorf("%w: %w", ErrIngestSkipped, err)
	case errors.Is(err, ingest.ErrPressure):
		return fmt.Errorf("%w: %w", ErrResourcePressure, err)
	case errors.Is(err, ingest.ErrFatalIO):
		return fmt.Errorf("%w: %w", ErrFatalIO, err)
	case errors.Is(err, retrieval.ErrNotReady):
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	case errors.Is(err, retrieval.ErrIndexCorrupt), errors.Is(err, index.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrIndexCorrupt, err)
	case errors.Is(err, index.ErrClosed), errors.Is(err, workpool.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, archive.ErrNotEmpty), errors.Is(err, replica.ErrNotEmpty):
		return fmt.Errorf("%w: %w", ErrNotEmpty, err)
	case errors.Is(err, archive.ErrUnsafePath):
		return &ValidationError{Field: "archive", Reason: "entry escapes the mirror", cause: err}
	}
	return err
}
