// Package rehydrate rebuilds the index from the mirror store.
//
// Rebuild never re-atomizes content: molecule boundaries, fingerprints and
// tags are replayed from the sidecars, so a rebuilt index answers queries
// exactly like the index that was discarded.
package rehydrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/ece/internal/hash"
	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/resource"
)

// Options configures a rebuild.
type Options struct {
	Controller *resource.Controller
	// BatchSize is the number of molecules per index commit. Default 500.
	BatchSize int
	// SkipContentCheck skips the content checksum. Sizes and offsets are
	// always validated.
	SkipContentCheck bool
	Logger           *slog.Logger
}

// Skip describes a compound left out of the rebuilt index.
type Skip struct {
	Bucket     string `json:"bucket"`
	CompoundID string `json:"compound_id"`
	Reason     string `json:"reason"`
}

// Report summarizes a rebuild.
type Report struct {
	Buckets    int           `json:"buckets"`
	Compounds  int           `json:"compounds"`
	Molecules  int           `json:"molecules"`
	Atoms      int           `json:"atoms"`
	Suppressed int           `json:"suppressed"`
	Torn       int           `json:"torn"`
	Skipped    []Skip        `json:"skipped,omitempty"`
	Generation uint64        `json:"generation"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Rebuild resets ix and replays every compound of m into it. Compounds whose
// metadata is missing or inconsistent with their content are skipped and
// reported. On success the index is Ready and records the mirror generation
// observed at the start of the walk; on error it is left Corrupt.
func Rebuild(ctx context.Context, m *mirror.Store, ix *index.Index, opts Options) (Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	start := time.Now()

	if err := opts.Controller.AcquireBackground(ctx); err != nil {
		return Report{}, err
	}
	defer opts.Controller.ReleaseBackground()

	ix.SetState(index.Rebuilding)
	r := &rebuilder{m: m, ix: ix, opts: opts, log: opts.Logger}
	rep, err := r.run(ctx)
	rep.Elapsed = time.Since(start)
	if err != nil {
		ix.MarkCorrupt("rebuild failed: " + err.Error())
		return rep, err
	}
	ix.SetState(index.Ready)
	opts.Logger.Info("index rebuilt",
		"buckets", rep.Buckets, "compounds", rep.Compounds, "molecules", rep.Molecules,
		"atoms", rep.Atoms, "skipped", len(rep.Skipped), "generation", rep.Generation,
		"elapsed", rep.Elapsed)
	return rep, nil
}

type rebuilder struct {
	m    *mirror.Store
	ix   *index.Index
	opts Options
	log  *slog.Logger
	rep  Report
}

func (r *rebuilder) run(ctx context.Context) (Report, error) {
	r.rep.Generation = r.m.Generation()
	if err := r.ix.Reset(); err != nil {
		return r.rep, fmt.Errorf("reset index: %w", err)
	}
	buckets, err := r.m.Buckets()
	if err != nil {
		return r.rep, fmt.Errorf("list buckets: %w", err)
	}
	for _, bucket := range buckets {
		if err := r.bucket(ctx, bucket); err != nil {
			return r.rep, err
		}
	}
	if err := r.ix.SetGeneration(ctx, r.rep.Generation); err != nil {
		return r.rep, err
	}
	return r.rep, nil
}

func (r *rebuilder) bucket(ctx context.Context, bucket string) error {
	ids, err := r.m.Compounds(bucket)
	if err != nil {
		return fmt.Errorf("list %s: %w", bucket, err)
	}
	suppressed, err := r.m.Suppressed(bucket)
	if err != nil {
		return fmt.Errorf("read suppression log of %s: %w", bucket, err)
	}
	r.rep.Buckets++
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, compound, reason := r.load(ctx, bucket, id, suppressed)
		if reason != "" {
			r.skip(bucket, id, reason)
			continue
		}
		if err := r.commit(ctx, compound, rows); err != nil {
			return err
		}
		r.rep.Compounds++
	}
	return nil
}

func (r *rebuilder) skip(bucket, id, reason string) {
	r.log.Warn("skipping compound", "bucket", bucket, "compound", id, "reason", reason)
	r.rep.Skipped = append(r.rep.Skipped, Skip{Bucket: bucket, CompoundID: id, Reason: reason})
}

// load validates a compound and converts its sidecar into rows. A non-empty
// reason means the compound must be skipped.
func (r *rebuilder) load(ctx context.Context, bucket, id string, suppressed map[string]struct{}) ([]index.MoleculeRow, index.CompoundRow, string) {
	sc, err := r.m.ReadSidecar(bucket, id)
	if err != nil {
		return nil, index.CompoundRow{}, "sidecar: " + err.Error()
	}
	if sc.Torn {
		r.rep.Torn++
		r.log.Warn("sidecar has a torn tail", "bucket", bucket, "compound", id, "molecules", len(sc.Molecules))
	}
	h := sc.Header
	size, err := r.m.ContentSize(bucket, id)
	if err != nil {
		return nil, index.CompoundRow{}, "content: " + err.Error()
	}
	if size != h.Size {
		return nil, index.CompoundRow{}, fmt.Sprintf("content size %d, header says %d", size, h.Size)
	}
	if err := r.opts.Controller.AcquireIO(ctx, int(size)); err != nil {
		return nil, index.CompoundRow{}, "io: " + err.Error()
	}
	if !r.opts.SkipContentCheck {
		if reason := r.verify(bucket, id, h.ContentCRC); reason != "" {
			return nil, index.CompoundRow{}, reason
		}
	}

	compound := index.CompoundRow{
		ID:          h.CompoundID,
		Bucket:      h.Bucket,
		Path:        h.Path,
		Provenance:  h.Provenance,
		ContentType: h.ContentType,
		IngestedAt:  h.IngestedAt,
		Size:        h.Size,
	}
	rows := make([]index.MoleculeRow, 0, len(sc.Molecules))
	seen := make(map[string]struct{}, len(sc.Molecules))
	for _, mol := range sc.Molecules {
		if mol.Start < 0 || mol.End <= mol.Start || mol.End > size {
			return nil, compound, fmt.Sprintf("molecule %s has offsets [%d, %d) outside %d bytes", mol.ID, mol.Start, mol.End, size)
		}
		if _, dup := seen[mol.ID]; dup {
			return nil, compound, fmt.Sprintf("molecule %s recorded twice", mol.ID)
		}
		seen[mol.ID] = struct{}{}
		if _, ok := suppressed[mol.ID]; ok {
			r.rep.Suppressed++
			continue
		}
		row := index.MoleculeRow{
			ID:          mol.ID,
			CompoundID:  h.CompoundID,
			Bucket:      h.Bucket,
			Ordinal:     mol.Ordinal,
			Start:       mol.Start,
			End:         mol.End,
			Fingerprint: mol.Fingerprint,
			Timestamp:   mol.Timestamp,
		}
		for _, a := range mol.Atoms {
			row.Atoms = append(row.Atoms, index.AtomRow{ID: a.ID, Label: a.Label, Type: a.Type, Weight: a.Weight})
		}
		rows = append(rows, row)
	}
	return rows, compound, ""
}

func (r *rebuilder) verify(bucket, id string, want uint32) string {
	f, err := r.m.ScanContent(bucket, id)
	if err != nil {
		return "content: " + err.Error()
	}
	defer f.Close()
	if got := hash.CRC32C(f.Bytes()); got != want {
		return fmt.Sprintf("content checksum %08x, header says %08x", got, want)
	}
	return ""
}

func (r *rebuilder) commit(ctx context.Context, compound index.CompoundRow, rows []index.MoleculeRow) error {
	for start := 0; start < len(rows); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(rows))
		res, err := r.ix.Commit(ctx, index.Batch{
			Compound:  compound,
			Molecules: rows[start:end],
			Threshold: -1,
		})
		if err != nil {
			return fmt.Errorf("commit %s/%s: %w", compound.Bucket, compound.ID, err)
		}
		r.rep.Molecules += len(res.Accepted)
		r.rep.Atoms += res.NewAtoms
	}
	return nil
}
