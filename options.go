package ece

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/ece/fingerprint"
	"github.com/hupe1980/ece/internal/atomizer"
	"github.com/hupe1980/ece/internal/ingest"
	"github.com/hupe1980/ece/internal/resource"
	"github.com/hupe1980/ece/internal/retrieval"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	tracerProvider   trace.TracerProvider

	ingest    ingest.Config
	retrieval retrieval.Config
	atomizer  atomizer.Options
	window    int
	weighting fingerprint.Weighting

	monitor   resource.MonitorConfig
	resources resource.Config
	workers   int

	indexPath          string
	keepIndex          bool
	backgroundRebuild  bool
	verifyContent      bool
	compactThreshold   int
	replicaConcurrency int
	now                func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := ece.NewJSONLogger(slog.LevelInfo)
//	eng, _ := ece.Open(ctx, "./data", ece.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector. Status reports
// latency percentiles regardless of the collector configured here.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithTracerProvider sets the provider of the spans emitted around ingest,
// search and maintenance. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithIngestConfig replaces the ingestion pipeline configuration.
func WithIngestConfig(cfg IngestConfig) Option {
	return func(o *options) {
		o.ingest = cfg
	}
}

// WithRetrievalConfig replaces the retrieval configuration.
func WithRetrievalConfig(cfg RetrievalConfig) Option {
	return func(o *options) {
		o.retrieval = cfg
	}
}

// WithAtomizerOptions replaces the segmentation limits.
func WithAtomizerOptions(opts AtomizerOptions) Option {
	return func(o *options) {
		o.atomizer = opts
	}
}

// WithDedupThreshold sets the Hamming distance at or below which a molecule
// duplicates one already in its bucket. Zero admits only exact matches.
func WithDedupThreshold(bits int) Option {
	return func(o *options) {
		o.ingest.DedupThreshold = bits
		o.compactThreshold = bits
	}
}

// WithShingleWindow sets the number of tokens per fingerprint shingle.
func WithShingleWindow(tokens int) Option {
	return func(o *options) {
		o.window = tokens
	}
}

// WithWeighting selects how shingles vote in the fingerprint.
func WithWeighting(w fingerprint.Weighting) Option {
	return func(o *options) {
		o.weighting = w
	}
}

// WithPlanetRatio sets the share of the query budget given to Phase 1.
func WithPlanetRatio(ratio float64) Option {
	return func(o *options) {
		o.retrieval.PlanetRatio = ratio
	}
}

// WithDecayLambda sets the temporal decay rate per hour. Negative disables
// decay.
func WithDecayLambda(lambda float64) Option {
	return func(o *options) {
		o.retrieval.Lambda = lambda
	}
}

// WithSearchTimeout sets the deadline applied to queries whose context has
// none.
func WithSearchTimeout(d time.Duration) Option {
	return func(o *options) {
		o.retrieval.Timeout = d
	}
}

// WithMemoryCeiling sets the memory budget pressure is measured against.
// Zero uses GOMEMLIMIT.
func WithMemoryCeiling(bytes uint64) Option {
	return func(o *options) {
		o.monitor.Ceiling = bytes
	}
}

// WithMemorySampler replaces the resident memory probe.
func WithMemorySampler(fn func() (uint64, error)) Option {
	return func(o *options) {
		o.monitor.Sampler = fn
	}
}

// WithPressureInterval sets how often memory is sampled.
func WithPressureInterval(d time.Duration) Option {
	return func(o *options) {
		o.monitor.Interval = d
	}
}

// WithResourceLimits bounds in-flight ingest memory, background jobs and
// background IO throughput.
func WithResourceLimits(limits ResourceLimits) Option {
	return func(o *options) {
		o.resources = limits
	}
}

// WithWorkers sets the size of the atomization worker pool. Defaults to
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithIndexPath places the index database outside the data directory, for
// example on a tmpfs.
func WithIndexPath(path string) Option {
	return func(o *options) {
		o.indexPath = path
	}
}

// WithKeepIndex keeps the index files on Close. A kept index is reused on
// the next Open when it matches the mirror generation.
func WithKeepIndex() Option {
	return func(o *options) {
		o.keepIndex = true
	}
}

// WithBackgroundRebuild makes Open return before the index is rebuilt.
// Until it is Ready, ingests and queries fail with ErrNotReady.
func WithBackgroundRebuild() Option {
	return func(o *options) {
		o.backgroundRebuild = true
	}
}

// WithoutContentCheck skips the content checksum during rebuilds. Sizes and
// offsets are always validated.
func WithoutContentCheck() Option {
	return func(o *options) {
		o.verifyContent = false
	}
}

// WithReplicaConcurrency bounds parallel transfers of Backup and Restore.
func WithReplicaConcurrency(n int) Option {
	return func(o *options) {
		o.replicaConcurrency = n
	}
}

// WithClock replaces the clock used for ingest timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		ingest:           ingest.DefaultConfig(),
		retrieval:        retrieval.DefaultConfig(),
		atomizer:         atomizer.DefaultOptions(),
		window:           fingerprint.DefaultWindow,
		weighting:        fingerprint.Frequency,
		verifyContent:    true,
		compactThreshold: ingest.DefaultConfig().DedupThreshold,
		now:              time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
