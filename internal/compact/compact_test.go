package compact

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/rehydrate"
)

var t0 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func TestCollapse(t *testing.T) {
	entries := []index.Entry{
		{ID: "a", Fingerprint: 0},
		{ID: "b", Fingerprint: 0b11},           // 2 bits from a
		{ID: "c", Fingerprint: 0xFFFF << 16},   // far
		{ID: "d", Fingerprint: 0xFFFF<<16 | 1}, // 1 bit from c
		{ID: "e", Fingerprint: 0b1111},         // 4 bits from a; b is not kept
	}
	dropped := Collapse(entries, 3)
	assert.Equal(t, []uint32{1, 3}, dropped.ToArray())

	dropped = Collapse(entries, 4)
	assert.Equal(t, []uint32{1, 3, 4}, dropped.ToArray())
	assert.True(t, Collapse(entries, 0).IsEmpty())
}

// seedRace writes two compounds whose molecules slipped past the ingest gate,
// as concurrent ingests of near-identical content can.
func seedRace(t *testing.T, m *mirror.Store, ix *index.Index) {
	t.Helper()
	ctx := context.Background()
	for i, c := range []struct {
		id string
		fp uint64
	}{{"c1", 0xF0}, {"c2", 0xF1}} {
		content := []byte("near duplicate text")
		w, err := m.Create(mirror.Header{CompoundID: c.id, Bucket: "notes", ContentType: "prose", IngestedAt: t0.Add(time.Duration(i) * time.Hour)}, content)
		require.NoError(t, err)
		mol := mirror.Molecule{ID: c.id + ":0", End: int64(len(content)), Fingerprint: c.fp, Timestamp: t0,
			Atoms: []mirror.Atom{{ID: "shared", Label: "shared", Type: "keyword", Weight: 0.5}, {ID: "only-" + c.id, Label: "only", Type: "keyword", Weight: 0.5}}}
		gen, err := w.Append([]mirror.Molecule{mol})
		require.NoError(t, err)

		row := index.MoleculeRow{ID: mol.ID, CompoundID: c.id, Bucket: "notes", End: mol.End, Fingerprint: c.fp, Timestamp: t0}
		for _, a := range mol.Atoms {
			row.Atoms = append(row.Atoms, index.AtomRow{ID: a.ID, Label: a.Label, Type: a.Type, Weight: a.Weight})
		}
		_, err = ix.Commit(ctx, index.Batch{
			Compound:  index.CompoundRow{ID: c.id, Bucket: "notes", IngestedAt: t0.Add(time.Duration(i) * time.Hour), Size: int64(len(content))},
			Molecules: []index.MoleculeRow{row},
			Threshold: -1,
			Persist:   func([]index.MoleculeRow) (uint64, error) { return gen, nil },
		})
		require.NoError(t, err)
	}
}

func TestRunSuppressesAndReclaims(t *testing.T) {
	dir := t.TempDir()
	m, err := mirror.Open(filepath.Join(dir, "mirror"), mirror.Options{})
	require.NoError(t, err)
	ix, err := index.Open(filepath.Join(dir, "index.db"), index.Options{})
	require.NoError(t, err)
	defer ix.Close()
	ctx := context.Background()
	seedRace(t, m, ix)

	rep, err := Run(ctx, m, ix, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Buckets)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Suppressed)
	assert.Equal(t, int64(1), rep.AtomsReclaimed)
	assert.Equal(t, int64(1), rep.CompoundsReclaimed)

	sup, err := m.Suppressed("notes")
	require.NoError(t, err)
	assert.Contains(t, sup, "c2:0", "the newer molecule is dropped")

	reason, err := ix.Check(ctx, m.Generation())
	require.NoError(t, err)
	assert.Empty(t, reason)

	live, err := ix.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, index.Stats{Compounds: 1, Molecules: 1, Atoms: 2, Edges: 2}, live)

	// A rebuild reproduces the compacted index.
	rebuilt, err := index.Open(filepath.Join(dir, "rebuilt.db"), index.Options{})
	require.NoError(t, err)
	defer rebuilt.Close()
	_, err = rehydrate.Rebuild(ctx, m, rebuilt, rehydrate.Options{})
	require.NoError(t, err)
	s, err := rebuilt.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, live, s)

	// Idempotent.
	rep, err = Run(ctx, m, ix, Options{})
	require.NoError(t, err)
	assert.Zero(t, rep.Suppressed)
}
