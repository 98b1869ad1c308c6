// Package compact collapses near-duplicate molecules.
//
// Compaction never rewrites mirrored content. Dropped molecules are appended
// to their bucket's suppression log first, then removed from the index, so a
// rebuild reproduces the compacted state.
package compact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/ece/fingerprint"
	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/resource"
)

// Options configures a compaction.
type Options struct {
	// Threshold is the Hamming distance collapsed to the oldest molecule.
	// Default 3.
	Threshold  int
	Controller *resource.Controller
	Logger     *slog.Logger
}

// Report summarizes a compaction.
type Report struct {
	Buckets            int           `json:"buckets"`
	Scanned            int           `json:"scanned"`
	Suppressed         int           `json:"suppressed"`
	AtomsReclaimed     int64         `json:"atoms_reclaimed"`
	CompoundsReclaimed int64         `json:"compounds_reclaimed"`
	Elapsed            time.Duration `json:"elapsed"`
}

// Run compacts every bucket of the index.
func Run(ctx context.Context, m *mirror.Store, ix *index.Index, opts Options) (Report, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	start := time.Now()
	var rep Report

	if err := opts.Controller.AcquireBackground(ctx); err != nil {
		return rep, err
	}
	defer opts.Controller.ReleaseBackground()

	buckets, err := ix.Buckets(ctx)
	if err != nil {
		return rep, err
	}
	for _, bucket := range buckets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		entries, err := ix.Entries(ctx, bucket)
		if err != nil {
			return rep, fmt.Errorf("list %s: %w", bucket, err)
		}
		rep.Buckets++
		rep.Scanned += len(entries)

		dropped := Collapse(entries, opts.Threshold)
		if dropped.IsEmpty() {
			continue
		}
		ids := make([]string, 0, dropped.GetCardinality())
		it := dropped.Iterator()
		for it.HasNext() {
			ids = append(ids, entries[it.Next()].ID)
		}
		if err := m.Suppress(bucket, ids); err != nil {
			ix.MarkCorrupt("suppression log write failed: " + err.Error())
			return rep, fmt.Errorf("suppress in %s: %w", bucket, err)
		}
		rep.Suppressed += len(ids)
		opts.Logger.Info("suppressed near-duplicate molecules", "bucket", bucket, "count", len(ids))

		err = ix.Write(ctx, func(tx *index.Tx) error {
			if _, err := tx.DeleteMolecules(ctx, ids); err != nil {
				return err
			}
			return tx.SetGeneration(ctx, m.Generation())
		})
		if err != nil {
			ix.MarkCorrupt("compaction failed after suppression: " + err.Error())
			return rep, err
		}
	}

	err = ix.Write(ctx, func(tx *index.Tx) error {
		atoms, compounds, err := tx.ReclaimOrphans(ctx)
		if err != nil {
			return err
		}
		rep.AtomsReclaimed, rep.CompoundsReclaimed = atoms, compounds
		return tx.OptimizeFTS(ctx)
	})
	rep.Elapsed = time.Since(start)
	if err != nil {
		return rep, err
	}
	opts.Logger.Info("compaction finished", "buckets", rep.Buckets, "scanned", rep.Scanned,
		"suppressed", rep.Suppressed, "atoms_reclaimed", rep.AtomsReclaimed, "elapsed", rep.Elapsed)
	return rep, nil
}

// Collapse returns the positions of entries within threshold bits of an
// earlier kept entry. Entries must be ordered oldest first, so the oldest
// molecule of a near-duplicate group survives.
func Collapse(entries []index.Entry, threshold int) *roaring.Bitmap {
	dropped := roaring.New()
	if threshold < fingerprint.BandCount {
		var bands [fingerprint.BandCount]map[uint16][]int
		for i := range bands {
			bands[i] = make(map[uint16][]int)
		}
		for i, e := range entries {
			b := fingerprint.Bands(e.Fingerprint)
			if nearKept(entries, bands, b, e.Fingerprint, threshold) {
				dropped.Add(uint32(i))
				continue
			}
			for j := range b {
				bands[j][b[j]] = append(bands[j][b[j]], i)
			}
		}
		return dropped
	}

	var kept []uint64
	for i, e := range entries {
		dup := false
		for _, fp := range kept {
			if fingerprint.Distance(fp, e.Fingerprint) <= threshold {
				dup = true
				break
			}
		}
		if dup {
			dropped.Add(uint32(i))
			continue
		}
		kept = append(kept, e.Fingerprint)
	}
	return dropped
}

func nearKept(entries []index.Entry, bands [fingerprint.BandCount]map[uint16][]int, b [fingerprint.BandCount]uint16, fp uint64, threshold int) bool {
	for j := range b {
		for _, k := range bands[j][b[j]] {
			if fingerprint.Distance(entries[k].Fingerprint, fp) <= threshold {
				return true
			}
		}
	}
	return false
}
