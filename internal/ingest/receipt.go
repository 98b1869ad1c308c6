package ingest

import (
	"fmt"
	"time"
)

// Status is the outcome class of an entrypoint.
type Status int

const (
	Succeeded Status = iota
	SucceededWithWarnings
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case SucceededWithWarnings:
		return "succeeded_with_warnings"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Receipt reports what an ingest did.
type Receipt struct {
	CompoundID string        `json:"compound_id,omitempty"`
	Bucket     string        `json:"bucket"`
	Path       string        `json:"path,omitempty"`
	Molecules  int           `json:"molecules"`
	Atoms      int           `json:"atoms"`
	Duplicates int           `json:"duplicates"`
	Batches    int           `json:"batches"`
	Elapsed    time.Duration `json:"elapsed"`
	Status     Status        `json:"status"`
	// Rejected is set when every molecule duplicated existing content and
	// nothing was written.
	Rejected bool     `json:"rejected,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (r *Receipt) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	if r.Status == Succeeded {
		r.Status = SucceededWithWarnings
	}
}

// BatchReceipt aggregates the receipts of IngestAll in input order.
type BatchReceipt struct {
	Receipts  []Receipt     `json:"receipts"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Progress is emitted while a compound commits.
type Progress struct {
	CompoundID string  `json:"compound_id"`
	Done       int     `json:"done"`
	Total      int     `json:"total"`
	Percent    float64 `json:"percent"`
}
