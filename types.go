package ece

import (
	"github.com/hupe1980/ece/internal/archive"
	"github.com/hupe1980/ece/internal/atomizer"
	"github.com/hupe1980/ece/internal/compact"
	"github.com/hupe1980/ece/internal/ingest"
	"github.com/hupe1980/ece/internal/rehydrate"
	"github.com/hupe1980/ece/internal/resource"
	"github.com/hupe1980/ece/internal/retrieval"
	"github.com/hupe1980/ece/replica"
)

type (
	// Compound is an ingest request: one document, source file or log.
	Compound = ingest.Compound
	// Receipt reports what an ingest did.
	Receipt = ingest.Receipt
	// BatchReceipt aggregates the receipts of IngestAll in input order.
	BatchReceipt = ingest.BatchReceipt
	// Progress is emitted while a large compound commits.
	Progress = ingest.Progress
	// Status is the outcome class of an entrypoint.
	Status = ingest.Status
	// ContentType selects the segmentation strategy of a compound.
	ContentType = atomizer.ContentType

	Query = retrieval.Query
	Result = retrieval.Result
	Hit = retrieval.Hit
	Span = retrieval.Span
	Phase = retrieval.Phase

	RebuildReport = rehydrate.Report
	CompactReport = compact.Report
	ArchiveReport = archive.Report
	ReplicaReport = replica.Report

	// Codec selects the compression of an exported archive.
	Codec = archive.Codec

	// Level classifies memory pressure.
	Level = resource.Level

	IngestConfig    = ingest.Config
	RetrievalConfig = retrieval.Config
	AtomizerOptions = atomizer.Options
	ResourceLimits  = resource.Config
)

const (
	Succeeded             = ingest.Succeeded
	SucceededWithWarnings = ingest.SucceededWithWarnings
	Failed                = ingest.Failed
)

const (
	Code  = atomizer.Code
	Prose = atomizer.Prose
	Log   = atomizer.Log
)

const (
	Planet = retrieval.Planet
	Moon   = retrieval.Moon
)

const (
	Zstd         = archive.Zstd
	LZ4          = archive.LZ4
	Uncompressed = archive.None
)

const (
	Normal   = resource.Normal
	Elevated = resource.Elevated
	Critical = resource.Critical
)

// ParseCodec parses a codec name: zstd (the default for ""), lz4 or none.
func ParseCodec(s string) (Codec, error) { return archive.ParseCodec(s) }

// ParseContentType maps a name to a ContentType. The empty string selects
// detection.
func ParseContentType(s string) (ContentType, bool) { return atomizer.ParseContentType(s) }
