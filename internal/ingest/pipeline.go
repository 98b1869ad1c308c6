package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ece/fingerprint"
	"github.com/hupe1980/ece/internal/atomizer"
	"github.com/hupe1980/ece/internal/fs"
	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/resource"
	"github.com/hupe1980/ece/internal/workpool"
)

// DefaultBucket receives compounds that name no bucket.
const DefaultBucket = "default"

// Config tunes the pipeline.
type Config struct {
	BatchSize      int     // Molecules per commit for large inputs. Default 100.
	LargeThreshold int     // Drafts above which an input is batched. Default 100.
	LargeBytes     int64   // Bytes above which an input is batched. Default 1 MiB.
	ProgressStep   float64 // Fraction between progress events. Default 0.05.
	DedupThreshold int     // Hamming distance treated as duplicate. Default 3.
	Concurrency    int     // Compounds in flight in IngestAll. Default 4.
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		LargeThreshold: 100,
		LargeBytes:     1 << 20,
		ProgressStep:   0.05,
		DedupThreshold: 3,
		Concurrency:    4,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LargeThreshold <= 0 {
		c.LargeThreshold = d.LargeThreshold
	}
	if c.LargeBytes <= 0 {
		c.LargeBytes = d.LargeBytes
	}
	if c.ProgressStep <= 0 || c.ProgressStep > 1 {
		c.ProgressStep = d.ProgressStep
	}
	if c.DedupThreshold < 0 {
		c.DedupThreshold = d.DedupThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Deps are the collaborators of a Pipeline. Mirror, Index and Pool are
// required.
type Deps struct {
	Mirror     *mirror.Store
	Index      *index.Index
	Pool       *workpool.Pool
	Atomizer   *atomizer.Atomizer
	Hasher     *fingerprint.Hasher
	Controller *resource.Controller
	// Pressure is consulted at batch boundaries. When nil, the handle
	// attached to the context is used.
	Pressure resource.Handle
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Compound is an ingest request.
type Compound struct {
	ID          string // Optional; a UUIDv7 is assigned when empty.
	Bucket      string
	Path        string
	Provenance  string
	ContentType atomizer.ContentType // Detected when empty.
	// Content is read from Path when nil.
	Content    []byte
	IngestedAt time.Time
	// OnProgress, if set, receives progress events from the committing
	// goroutine.
	OnProgress func(Progress)
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if deps.Atomizer == nil {
		deps.Atomizer = atomizer.New(atomizer.DefaultOptions())
	}
	if deps.Hasher == nil {
		deps.Hasher = fingerprint.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = newID
	}
	return &Pipeline{cfg: cfg.normalized(), deps: deps, log: deps.Logger}
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

type prepared struct {
	compound  Compound
	header    mirror.Header
	content   []byte
	molecules []index.MoleculeRow
}

// Ingest atomizes, mirrors and commits one compound. The returned receipt is
// valid even when err is non-nil.
func (p *Pipeline) Ingest(ctx context.Context, c Compound) (Receipt, error) {
	start := p.deps.Now()
	rcpt := Receipt{Bucket: c.Bucket, Path: c.Path}
	err := p.ingest(ctx, c, &rcpt)
	rcpt.Elapsed = p.deps.Now().Sub(start)
	if err != nil {
		rcpt.Status = Failed
		rcpt.Error = err.Error()
		p.log.Warn("ingest aborted", "bucket", rcpt.Bucket, "compound", rcpt.CompoundID,
			"path", rcpt.Path, "molecules", rcpt.Molecules, "error", err)
		return rcpt, err
	}
	p.log.Debug("ingest committed", "bucket", rcpt.Bucket, "compound", rcpt.CompoundID,
		"molecules", rcpt.Molecules, "atoms", rcpt.Atoms, "duplicates", rcpt.Duplicates,
		"batches", rcpt.Batches, "elapsed", rcpt.Elapsed)
	return rcpt, nil
}

func (p *Pipeline) ingest(ctx context.Context, c Compound, rcpt *Receipt) error {
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	rcpt.Bucket = c.Bucket
	if !mirror.ValidBucket(c.Bucket) {
		return fmt.Errorf("%w: bucket %q", ErrInvalid, c.Bucket)
	}
	if c.ID == "" {
		c.ID = p.deps.NewID()
	}
	rcpt.CompoundID = c.ID
	if c.IngestedAt.IsZero() {
		c.IngestedAt = p.deps.Now()
	}
	c.IngestedAt = c.IngestedAt.UTC()

	if c.Content == nil {
		if c.Path == "" {
			return fmt.Errorf("%w: no content and no path", ErrInvalid)
		}
		data, err := fs.ReadFile(fs.Default, c.Path)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrSkipped, c.Path, err)
		}
		c.Content = data
	}
	if !utf8.Valid(c.Content) || bytes.IndexByte(c.Content, 0) >= 0 {
		return fmt.Errorf("%w: %s is not text", ErrSkipped, describe(c))
	}

	if err := p.deps.Controller.AcquireMemory(int64(len(c.Content))); err != nil {
		return fmt.Errorf("%w: %v", ErrPressure, err)
	}
	defer p.deps.Controller.ReleaseMemory(int64(len(c.Content)))

	prep, err := p.prepare(ctx, c)
	if err != nil {
		return err
	}
	if len(prep.molecules) == 0 {
		rcpt.CompoundID = ""
		rcpt.warn("%s has no content", describe(c))
		return nil
	}

	dups, err := p.precheck(ctx, prep.molecules)
	if err != nil {
		return err
	}
	if dups == len(prep.molecules) {
		rcpt.CompoundID = ""
		rcpt.Rejected = true
		rcpt.Duplicates = dups
		return nil
	}

	unlock := p.deps.Mirror.Lock(c.ID)
	defer unlock()

	w, err := p.deps.Mirror.Create(prep.header, prep.content)
	if err != nil {
		if errors.Is(err, mirror.ErrInvalidName) || errors.Is(err, mirror.ErrExists) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	if err := p.commit(ctx, prep, w, rcpt); err != nil {
		return err
	}
	if err := w.Seal(mirror.Seal{Molecules: rcpt.Molecules, Duplicates: rcpt.Duplicates, SealedAt: p.deps.Now().UTC()}); err != nil {
		rcpt.warn("seal: %v", err)
	}
	return nil
}

func describe(c Compound) string {
	if c.Path != "" {
		return c.Path
	}
	return "compound " + c.ID
}

// prepare atomizes and fingerprints on the worker pool.
func (p *Pipeline) prepare(ctx context.Context, c Compound) (*prepared, error) {
	var res atomizer.Result
	var fps []uint64
	err := p.deps.Pool.Do(ctx, func() error {
		res = p.deps.Atomizer.Atomize(atomizer.Document{Type: c.ContentType, Path: c.Path, Content: c.Content})
		fps = make([]uint64, len(res.Drafts))
		for i, d := range res.Drafts {
			fps[i] = p.deps.Hasher.Sum(string(c.Content[d.Start:d.End]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cand := make(map[string]atomizer.AtomCandidate, len(res.Atoms))
	for _, a := range res.Atoms {
		cand[a.ID] = a
	}

	prep := &prepared{
		compound: c,
		content:  c.Content,
		header: mirror.Header{
			CompoundID:  c.ID,
			Bucket:      c.Bucket,
			Path:        c.Path,
			Provenance:  c.Provenance,
			ContentType: string(res.Type),
			IngestedAt:  c.IngestedAt,
		},
	}
	for i, d := range res.Drafts {
		ts := d.Timestamp
		if ts.IsZero() {
			ts = c.IngestedAt
		}
		row := index.MoleculeRow{
			ID:          fmt.Sprintf("%s:%d", c.ID, d.Ordinal),
			CompoundID:  c.ID,
			Bucket:      c.Bucket,
			Ordinal:     d.Ordinal,
			Start:       int64(d.Start),
			End:         int64(d.End),
			Fingerprint: fps[i],
			Timestamp:   ts.UTC(),
		}
		for _, id := range d.Atoms {
			a := cand[id]
			row.Atoms = append(row.Atoms, index.AtomRow{ID: a.ID, Label: a.Label, Type: string(a.Type), Weight: a.Weight})
		}
		prep.molecules = append(prep.molecules, row)
	}
	return prep, nil
}

// precheck counts molecules that the commit gate would reject, without
// writing anything.
func (p *Pipeline) precheck(ctx context.Context, mols []index.MoleculeRow) (int, error) {
	dups := 0
	for i, m := range mols {
		dup := false
		for _, prev := range mols[:i] {
			if fingerprint.Distance(prev.Fingerprint, m.Fingerprint) <= p.cfg.DedupThreshold {
				dup = true
				break
			}
		}
		if !dup {
			_, found, err := p.deps.Index.Duplicate(ctx, m.Bucket, m.Fingerprint, p.cfg.DedupThreshold)
			if err != nil {
				return 0, err
			}
			dup = found
		}
		if dup {
			dups++
		} else {
			// One survivor is enough to write the compound.
			return dups, nil
		}
	}
	return dups, nil
}

func (p *Pipeline) pressure(ctx context.Context) resource.Handle {
	if p.deps.Pressure != nil {
		return p.deps.Pressure
	}
	return resource.FromContext(ctx)
}

func (p *Pipeline) commit(ctx context.Context, prep *prepared, w *mirror.Writer, rcpt *Receipt) error {
	mols := prep.molecules
	batch := len(mols)
	if len(mols) > p.cfg.LargeThreshold || int64(len(prep.content)) > p.cfg.LargeBytes {
		batch = p.cfg.BatchSize
	}
	compound := index.CompoundRow{
		ID:          prep.header.CompoundID,
		Bucket:      prep.header.Bucket,
		Path:        prep.header.Path,
		Provenance:  prep.header.Provenance,
		ContentType: prep.header.ContentType,
		IngestedAt:  prep.header.IngestedAt,
		Size:        int64(len(prep.content)),
	}
	h := p.pressure(ctx)
	progress := newProgress(prep.compound, len(mols), p.cfg.ProgressStep)

	for done := 0; done < len(mols); {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(done+batch, len(mols))
		res, err := p.deps.Index.Commit(ctx, index.Batch{
			Compound:  compound,
			Molecules: mols[done:end],
			Threshold: p.cfg.DedupThreshold,
			Persist: func(accepted []index.MoleculeRow) (uint64, error) {
				gen, err := w.Append(toMirror(accepted))
				if err != nil {
					return 0, fmt.Errorf("%w: %v", ErrFatalIO, err)
				}
				return gen, nil
			},
		})
		if err != nil {
			return err
		}
		rcpt.Batches++
		rcpt.Molecules += len(res.Accepted)
		rcpt.Atoms += res.NewAtoms
		rcpt.Duplicates += len(res.Duplicates)
		done = end
		progress.advance(done)

		if done == len(mols) {
			break
		}
		runtime.Gosched()

		snap := h.Snapshot()
		if snap.Level == resource.Normal {
			continue
		}
		if snap.Level >= resource.Elevated && batch > 1 {
			batch = max(1, batch/2)
			rcpt.warn("memory pressure %s: batch size reduced to %d", snap.Level, batch)
		}
		if snap = h.Relieve(); snap.Level == resource.Critical {
			return fmt.Errorf("%w: %s at %.0f%% of ceiling after %d of %d molecules",
				ErrPressure, snap.Level, snap.Ratio*100, done, len(mols))
		}
	}
	return nil
}

func toMirror(rows []index.MoleculeRow) []mirror.Molecule {
	out := make([]mirror.Molecule, len(rows))
	for i, r := range rows {
		m := mirror.Molecule{
			ID:          r.ID,
			Ordinal:     r.Ordinal,
			Start:       r.Start,
			End:         r.End,
			Fingerprint: r.Fingerprint,
			Timestamp:   r.Timestamp,
		}
		for _, a := range r.Atoms {
			m.Atoms = append(m.Atoms, mirror.Atom{ID: a.ID, Label: a.Label, Type: a.Type, Weight: a.Weight})
		}
		out[i] = m
	}
	return out
}

type progress struct {
	fn    func(Progress)
	id    string
	total int
	step  float64
	next  float64
}

func newProgress(c Compound, total int, step float64) *progress {
	return &progress{fn: c.OnProgress, id: c.ID, total: total, step: step, next: step}
}

func (p *progress) advance(done int) {
	if p.fn == nil || p.total == 0 {
		return
	}
	frac := float64(done) / float64(p.total)
	if frac < p.next && done < p.total {
		return
	}
	for p.next <= frac {
		p.next += p.step
	}
	p.fn(Progress{CompoundID: p.id, Done: done, Total: p.total, Percent: frac * 100})
}

// IngestAll ingests compounds concurrently. Per-compound failures are
// recorded in their receipts and never abort the others; only cancellation
// of ctx is returned.
func (p *Pipeline) IngestAll(ctx context.Context, compounds []Compound) (BatchReceipt, error) {
	start := p.deps.Now()
	out := BatchReceipt{Receipts: make([]Receipt, len(compounds))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i := range compounds {
		g.Go(func() error {
			r, err := p.Ingest(gctx, compounds[i])
			out.Receipts[i] = r
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	for _, r := range out.Receipts {
		if r.Status == Failed {
			out.Failed++
		} else {
			out.Succeeded++
		}
	}
	out.Elapsed = p.deps.Now().Sub(start)
	return out, err
}
