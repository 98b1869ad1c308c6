package ece

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/ece/fingerprint"
	"github.com/hupe1980/ece/internal/archive"
	"github.com/hupe1980/ece/internal/atomizer"
	"github.com/hupe1980/ece/internal/compact"
	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/ingest"
	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/rehydrate"
	"github.com/hupe1980/ece/internal/resource"
	"github.com/hupe1980/ece/internal/retrieval"
	"github.com/hupe1980/ece/internal/workpool"
	"github.com/hupe1980/ece/replica"
)

const (
	mirrorDir = "mirror"
	indexFile = "index.db"
)

// Engine is a content memory rooted at a data directory.
//
// Engine is safe for concurrent use.
type Engine struct {
	opts options
	log  *Logger
	dir  string

	mirror    *mirror.Store
	index     *index.Index
	monitor   *resource.Monitor
	ctrl      *resource.Controller
	pool      *workpool.Pool
	pipeline  *ingest.Pipeline
	retrieval *retrieval.Engine

	stats   *BasicMetricsCollector
	metrics MetricsCollector
	tracer  trace.Tracer

	// gate is held exclusively by operations that replace the index or the
	// mirror contents, and shared by ingests and mirror snapshots.
	gate sync.RWMutex

	closed      atomic.Bool
	bgMu        sync.Mutex // orders bg.Add against Close
	bg          sync.WaitGroup
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	rebuilding  atomic.Bool
	lastRebuild atomic.Pointer[RebuildReport]
}

// Open opens the engine rooted at dir, creating it when absent.
//
// The mirror lives in dir/mirror. The index is reused when it passes its
// integrity check and matches the mirror generation; otherwise it is rebuilt
// from the mirror before Open returns, or in the background with
// WithBackgroundRebuild.
func Open(ctx context.Context, dir string, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)
	log := o.logger

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFatalIO, err)
	}
	m, err := mirror.Open(filepath.Join(dir, mirrorDir), mirror.Options{Logger: log.WithComponent("mirror").Logger})
	if err != nil {
		return nil, fmt.Errorf("%w: open mirror: %w", ErrFatalIO, err)
	}
	indexPath := o.indexPath
	if indexPath == "" {
		indexPath = filepath.Join(dir, indexFile)
	}
	ix, err := index.Open(indexPath, index.Options{Logger: log.WithComponent("index").Logger})
	if err != nil {
		return nil, err
	}

	workers := o.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	o.monitor.Logger = log.WithComponent("resource").Logger
	mon := resource.NewMonitor(o.monitor)
	ctrl := resource.NewController(o.resources)
	pool := workpool.New(workers)

	e := &Engine{
		opts:    o,
		log:     log,
		dir:     dir,
		mirror:  m,
		index:   ix,
		monitor: mon,
		ctrl:    ctrl,
		pool:    pool,
		stats:   &BasicMetricsCollector{},
		tracer:  newTracer(o.tracerProvider),
	}
	e.metrics = fanout{e.stats, o.metricsCollector}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())

	e.pipeline = ingest.New(o.ingest, ingest.Deps{
		Mirror:     m,
		Index:      ix,
		Pool:       pool,
		Atomizer:   atomizer.New(o.atomizer),
		Hasher:     fingerprint.New(fingerprint.WithWindow(o.window), fingerprint.WithWeighting(o.weighting)),
		Controller: ctrl,
		Pressure:   mon,
		Logger:     log.WithComponent("ingest").Logger,
		Now:        o.now,
	})
	e.retrieval = retrieval.New(o.retrieval, retrieval.Deps{
		Index:    ix,
		Mirror:   m,
		Pressure: mon,
		Logger:   log.WithComponent("retrieval").Logger,
	})
	mon.Start(e.bgCtx)

	reason, err := ix.Check(ctx, m.Generation())
	if err != nil {
		_ = e.Close()
		return nil, translateError(err)
	}
	if reason == "" {
		ix.SetState(index.Ready)
		log.Info("index reused", "path", indexPath, "generation", m.Generation())
		return e, nil
	}
	log.Info("index needs rebuild", "path", indexPath, "reason", reason)
	if o.backgroundRebuild {
		e.rebuildInBackground(reason)
		return e, nil
	}
	if _, err := e.Rebuild(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// Dir returns the data directory.
func (e *Engine) Dir() string { return e.dir }

// Ready reports whether the index accepts ingests and queries.
func (e *Engine) Ready() bool {
	return !e.closed.Load() && e.index.State() == index.Ready
}

// WaitReady blocks until the index is Ready, the engine is closed or ctx is
// done.
func (e *Engine) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.closed.Load() {
			return ErrClosed
		}
		if e.index.State() == index.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// acquireIngest takes the shared gate without waiting for maintenance.
func (e *Engine) acquireIngest() (func(), error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.gate.TryRLock() {
		return nil, fmt.Errorf("%w: maintenance in progress", ErrNotReady)
	}
	if e.closed.Load() {
		e.gate.RUnlock()
		return nil, ErrClosed
	}
	if st := e.index.State(); st != index.Ready {
		e.gate.RUnlock()
		e.heal()
		return nil, fmt.Errorf("%w: index is %s", ErrNotReady, st)
	}
	return e.gate.RUnlock, nil
}

// acquireShared waits for running maintenance and takes the shared gate.
func (e *Engine) acquireShared() (func(), error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.gate.RLock()
	if e.closed.Load() {
		e.gate.RUnlock()
		return nil, ErrClosed
	}
	return e.gate.RUnlock, nil
}

func (e *Engine) acquireExclusive() (func(), error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.gate.Lock()
	if e.closed.Load() {
		e.gate.Unlock()
		return nil, ErrClosed
	}
	return e.gate.Unlock, nil
}

func failedReceipt(c Compound, err error) Receipt {
	bucket := c.Bucket
	if bucket == "" {
		bucket = ingest.DefaultBucket
	}
	return Receipt{CompoundID: c.ID, Bucket: bucket, Path: c.Path, Status: Failed, Error: err.Error()}
}

// Ingest atomizes, mirrors and indexes one compound. The receipt is valid
// even when err is non-nil.
//
// A compound whose molecules all duplicate content of its bucket is not
// written; its receipt is Rejected with status Succeeded.
func (e *Engine) Ingest(ctx context.Context, c Compound) (Receipt, error) {
	release, err := e.acquireIngest()
	if err != nil {
		return failedReceipt(c, err), err
	}
	defer release()

	ctx, span := e.startSpan(ctx, "Ingest", attribute.String("bucket", c.Bucket), attribute.String("path", c.Path))
	r, err := e.pipeline.Ingest(ctx, c)
	err = translateError(err)
	span.SetAttributes(
		attribute.String("compound", r.CompoundID),
		attribute.Int("molecules", r.Molecules),
		attribute.Int("duplicates", r.Duplicates),
		attribute.Bool("rejected", r.Rejected),
	)
	endSpan(span, err)

	e.metrics.RecordIngest(r.Molecules, r.Elapsed, err)
	e.log.LogIngest(ctx, r, err)
	if r.Rejected {
		e.log.DebugContext(ctx, "compound rejected", "bucket", r.Bucket, "path", r.Path, "reason", ErrDuplicate)
	}
	e.heal()
	return r, err
}

// IngestAll ingests compounds concurrently. Per-compound failures are
// recorded in their receipts and never abort the others; only cancellation
// and an unavailable index are returned.
func (e *Engine) IngestAll(ctx context.Context, compounds []Compound) (BatchReceipt, error) {
	release, err := e.acquireIngest()
	if err != nil {
		out := BatchReceipt{Receipts: make([]Receipt, len(compounds)), Failed: len(compounds)}
		for i, c := range compounds {
			out.Receipts[i] = failedReceipt(c, err)
		}
		return out, err
	}
	defer release()

	ctx, span := e.startSpan(ctx, "IngestAll", attribute.Int("compounds", len(compounds)))
	out, err := e.pipeline.IngestAll(ctx, compounds)
	span.SetAttributes(attribute.Int("failed", out.Failed))
	endSpan(span, err)

	for _, r := range out.Receipts {
		var rerr error
		if r.Status == Failed {
			rerr = errors.New(r.Error)
		}
		e.metrics.RecordIngest(r.Molecules, r.Elapsed, rerr)
	}
	e.metrics.RecordBatchIngest(len(compounds), out.Failed, out.Elapsed)
	e.log.LogBatchIngest(ctx, out)
	e.heal()
	return out, translateError(err)
}

// Search answers a query. Hits carry their exact text and score breakdown;
// spans carry the surrounding mirrored content.
//
// When the index references bytes the mirror does not hold, Search returns
// ErrIndexCorrupt and a rebuild starts in the background.
func (e *Engine) Search(ctx context.Context, q Query) (Result, error) {
	if e.closed.Load() {
		return Result{}, ErrClosed
	}
	start := time.Now()
	ctx, span := e.startSpan(ctx, "Search", attribute.Int("budget", q.Budget), attribute.StringSlice("buckets", q.Buckets))
	res, err := e.retrieval.Search(ctx, q)
	err = translateError(err)
	span.SetAttributes(
		attribute.Int("planets", res.Planets),
		attribute.Int("moons", res.Moons),
		attribute.Int("spans", len(res.Spans)),
	)
	endSpan(span, err)

	e.metrics.RecordSearch(len(res.Hits), time.Since(start), err)
	e.log.LogSearch(ctx, q, res, err)
	if errors.Is(err, ErrIndexCorrupt) {
		e.heal()
	}
	return res, err
}

// heal starts a background rebuild when the index is corrupt.
func (e *Engine) heal() {
	if e.index.State() == index.Corrupt {
		e.rebuildInBackground("index corrupt")
	}
}

func (e *Engine) rebuildInBackground(reason string) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed.Load() || !e.rebuilding.CompareAndSwap(false, true) {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.rebuilding.Store(false)
		e.log.Info("background rebuild started", "reason", reason)
		if _, err := e.Rebuild(e.bgCtx); err != nil && !errors.Is(err, ErrClosed) {
			e.log.Error("background rebuild failed", "error", err)
		}
	}()
}

// Rebuild discards the index and replays the mirror into it. Ingests fail
// with ErrNotReady until it completes.
func (e *Engine) Rebuild(ctx context.Context) (RebuildReport, error) {
	release, err := e.acquireExclusive()
	if err != nil {
		return RebuildReport{}, err
	}
	defer release()
	return e.rebuildLocked(ctx)
}

func (e *Engine) rebuildLocked(ctx context.Context) (RebuildReport, error) {
	ctx, span := e.startSpan(ctx, "Rebuild")
	rep, err := rehydrate.Rebuild(ctx, e.mirror, e.index, rehydrate.Options{
		Controller:       e.ctrl,
		SkipContentCheck: !e.opts.verifyContent,
		Logger:           e.log.WithComponent("rehydrate").Logger,
	})
	err = translateError(err)
	span.SetAttributes(
		attribute.Int("compounds", rep.Compounds),
		attribute.Int("molecules", rep.Molecules),
		attribute.Int("skipped", len(rep.Skipped)),
	)
	endSpan(span, err)

	e.metrics.RecordRebuild(rep.Molecules, rep.Elapsed, err)
	if err == nil {
		e.lastRebuild.Store(&rep)
	}
	return rep, err
}

// Compact collapses near-duplicate molecules of each bucket to the oldest
// one, reclaims atoms and compounds nothing references and optimizes the
// full-text index. Collapsed molecules are suppressed in the mirror, so a
// rebuild reproduces the compacted index.
func (e *Engine) Compact(ctx context.Context) (CompactReport, error) {
	release, err := e.acquireShared()
	if err != nil {
		return CompactReport{}, err
	}
	defer release()
	if st := e.index.State(); st != index.Ready {
		return CompactReport{}, fmt.Errorf("%w: index is %s", ErrNotReady, st)
	}

	ctx, span := e.startSpan(ctx, "Compact")
	rep, err := compact.Run(ctx, e.mirror, e.index, compact.Options{
		Threshold:  e.opts.compactThreshold,
		Controller: e.ctrl,
		Logger:     e.log.WithComponent("compact").Logger,
	})
	err = translateError(err)
	span.SetAttributes(attribute.Int("suppressed", rep.Suppressed), attribute.Int64("atoms_reclaimed", rep.AtomsReclaimed))
	endSpan(span, err)

	e.metrics.RecordCompact(rep.Suppressed, rep.Elapsed, err)
	e.heal()
	return rep, err
}

// Export writes the mirror as a single archive. The index is not exported;
// it is rebuilt on import.
func (e *Engine) Export(ctx context.Context, w io.Writer, codec Codec) (ArchiveReport, error) {
	release, err := e.acquireShared()
	if err != nil {
		return ArchiveReport{}, err
	}
	defer release()

	ctx, span := e.startSpan(ctx, "Export", attribute.String("codec", codec.String()))
	rep, err := archive.Export(ctx, e.mirror, w, archive.Options{
		Codec:  codec,
		Logger: e.log.WithComponent("archive").Logger,
		Now:    e.opts.now,
	})
	err = translateError(err)
	span.SetAttributes(attribute.Int("files", rep.Files), attribute.Int64("bytes", rep.Bytes))
	endSpan(span, err)
	return rep, err
}

// Import restores an archive written by Export into an empty mirror and
// rebuilds the index. The codec is detected from the stream.
//
// An archive that fails verification part way leaves the files restored so
// far in the mirror; the index is rebuilt from them.
func (e *Engine) Import(ctx context.Context, r io.Reader) (ArchiveReport, error) {
	release, err := e.acquireExclusive()
	if err != nil {
		return ArchiveReport{}, err
	}
	defer release()

	ctx, span := e.startSpan(ctx, "Import")
	rep, err := archive.Import(ctx, r, e.mirror, e.log.WithComponent("archive").Logger)
	span.SetAttributes(attribute.Int("files", rep.Files), attribute.Int64("bytes", rep.Bytes))
	endSpan(span, err)
	if errors.Is(err, archive.ErrNotEmpty) {
		return rep, translateError(err)
	}
	if _, rerr := e.rebuildLocked(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return rep, translateError(err)
}

// Backup uploads the mirror files the target lacks or holds at a different
// size. STATE is uploaded last, so an interrupted backup never claims a
// generation whose data it lacks.
func (e *Engine) Backup(ctx context.Context, t replica.Target) (ReplicaReport, error) {
	release, err := e.acquireShared()
	if err != nil {
		return ReplicaReport{}, err
	}
	defer release()

	ctx, span := e.startSpan(ctx, "Backup")
	rep, err := replica.Backup(ctx, e.mirror, t, e.replicaOptions())
	span.SetAttributes(attribute.Int("transferred", rep.Transferred), attribute.Int64("bytes", rep.Bytes))
	endSpan(span, err)
	return rep, translateError(err)
}

// Restore copies a replica into an empty mirror and rebuilds the index.
func (e *Engine) Restore(ctx context.Context, t replica.Target) (ReplicaReport, error) {
	release, err := e.acquireExclusive()
	if err != nil {
		return ReplicaReport{}, err
	}
	defer release()

	ctx, span := e.startSpan(ctx, "Restore")
	rep, err := replica.Restore(ctx, t, e.mirror, e.replicaOptions())
	span.SetAttributes(attribute.Int("transferred", rep.Transferred), attribute.Int64("bytes", rep.Bytes))
	endSpan(span, err)
	if errors.Is(err, replica.ErrNotEmpty) {
		return rep, translateError(err)
	}
	if _, rerr := e.rebuildLocked(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return rep, translateError(err)
}

func (e *Engine) replicaOptions() replica.Options {
	return replica.Options{
		Concurrency: e.opts.replicaConcurrency,
		Controller:  e.ctrl,
		Logger:      e.log.WithComponent("replica").Logger,
	}
}
