package ingest

import "errors"

var (
	// ErrSkipped marks a compound that could not be read or parsed. It never
	// aborts a multi-compound run.
	ErrSkipped = errors.New("ingest: compound skipped")
	// ErrPressure is returned when memory pressure stayed critical after a
	// collection hint. Batches committed before the abort remain valid.
	ErrPressure = errors.New("ingest: resource pressure")
	// ErrFatalIO is returned when the mirror store cannot be written.
	ErrFatalIO = errors.New("ingest: mirror write failed")
	// ErrInvalid is returned for a malformed compound descriptor.
	ErrInvalid = errors.New("ingest: invalid compound")
)
