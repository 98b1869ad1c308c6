package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/ingest"
	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/resource"
	"github.com/hupe1980/ece/internal/workpool"
)

const chatLog = "[2024-03-01 10:00:00] Alice: I talked with Dory about ADHD coping strategies again today.\n" +
	"[2024-03-01 10:05:00] Bob: Dory mentioned the garden project, which needs more volunteers.\n"

type fixture struct {
	mirror *mirror.Store
	index  *index.Index
	cid    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newLogFixture(t, chatLog, 2)
}

func newLogFixture(t *testing.T, content string, molecules int) *fixture {
	t.Helper()
	dir := t.TempDir()
	m, err := mirror.Open(filepath.Join(dir, "mirror"), mirror.Options{})
	require.NoError(t, err)
	ix, err := index.Open(filepath.Join(dir, "index.db"), index.Options{})
	require.NoError(t, err)
	pool := workpool.New(1)
	t.Cleanup(func() {
		pool.Close()
		_ = ix.Close()
	})

	p := ingest.New(ingest.Config{}, ingest.Deps{Mirror: m, Index: ix, Pool: pool})
	r, err := p.Ingest(context.Background(), ingest.Compound{Bucket: "chat", Path: "day.log", Content: []byte(content)})
	require.NoError(t, err)
	require.Equal(t, molecules, r.Molecules)
	ix.SetState(index.Ready)
	return &fixture{mirror: m, index: ix, cid: r.CompoundID}
}

func (f *fixture) engine(cfg Config, h resource.Handle) *Engine {
	return New(cfg, Deps{Index: f.index, Mirror: f.mirror, Pressure: h})
}

func TestPlanetAndMoon(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine(Config{Radius: -1}, nil).Search(context.Background(), Query{Text: "ADHD", Budget: 2})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Empty(t, res.Warnings)

	planet, moon := res.Hits[0], res.Hits[1]
	assert.Equal(t, Planet, planet.Phase)
	assert.Equal(t, f.cid+":0", planet.MoleculeID)
	assert.Contains(t, planet.Text, "ADHD coping")
	assert.Equal(t, 1.0, planet.Similarity)

	assert.Equal(t, Moon, moon.Phase)
	assert.Equal(t, f.cid+":1", moon.MoleculeID)
	assert.Contains(t, moon.Text, "garden project")
	assert.GreaterOrEqual(t, moon.Shared, 1)
	assert.Greater(t, moon.Score, 0.0)
	assert.Less(t, moon.Decay, 1.0, "five minutes away from the anchor")

	assert.True(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Equal(res.Anchor))
	assert.Equal(t, 1, res.Planets)
	assert.Equal(t, 1, res.Moons)

	// Without inflation the two turns still touch and form one span.
	require.Len(t, res.Spans, 1)
	assert.Equal(t, planet.Text+moon.Text, res.Spans[0].Text)
}

func TestInflationMergesWindows(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine(Config{Radius: 1 << 10}, nil).Search(context.Background(), Query{Text: "ADHD", Budget: 2})
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	span := res.Spans[0]
	assert.Equal(t, int64(0), span.Start)
	assert.Equal(t, int64(len(chatLog)), span.End)
	assert.Equal(t, chatLog, span.Text)
	assert.ElementsMatch(t, []string{f.cid + ":0", f.cid + ":1"}, span.Molecules)
}

func TestPressureDegradesSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine(Config{Radius: 400}, resource.StaticLevel(resource.Elevated)).Search(ctx, Query{Text: "ADHD", Budget: 2})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Radius)
	assert.Equal(t, 1, res.Moons)

	res, err = f.engine(Config{Radius: 400}, resource.StaticLevel(resource.Critical)).Search(ctx, Query{Text: "ADHD", Budget: 2})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Radius)
	assert.Equal(t, 0, res.Moons)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "phase 2 skipped")
}

func TestReducedFanoutNeverRepeatsPlanets(t *testing.T) {
	content := chatLog + "[2024-03-01 10:10:00] Carol: Dory will bring seedlings for the garden on Sunday.\n"
	f := newLogFixture(t, content, 3)

	res, err := f.engine(Config{}, resource.StaticLevel(resource.Elevated)).Search(context.Background(), Query{Text: "Dory", Budget: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Planets)

	seen := make(map[string]Phase)
	for _, h := range res.Hits {
		prev, dup := seen[h.MoleculeID]
		assert.False(t, dup, "%s returned as %s and %s", h.MoleculeID, prev, h.Phase)
		seen[h.MoleculeID] = h.Phase
	}
	assert.Zero(t, res.Moons, "every neighbour is already a planet")
}

func TestFilters(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{}, nil)
	ctx := context.Background()

	res, err := e.Search(ctx, Query{Text: "Dory", Tags: []string{"#Garden"}, Budget: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, f.cid+":1", res.Hits[0].MoleculeID)

	res, err = e.Search(ctx, Query{Text: "Dory", Buckets: []string{"other"}})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	res, err = e.Search(ctx, Query{Text: "Dory", To: time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, f.cid+":0", res.Hits[0].MoleculeID)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{}, nil)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, tc := range map[string]struct {
		q     Query
		field string
	}{
		"empty":       {Query{Text: "  "}, "text"},
		"punctuation": {Query{Text: "?!"}, "text"},
		"budget":      {Query{Text: "x", Budget: 1001}, "budget"},
		"negative":    {Query{Text: "x", Budget: -1}, "budget"},
		"range":       {Query{Text: "x", From: t1.Add(time.Hour), To: t1}, "from"},
		"bucket":      {Query{Text: "x", Buckets: []string{"../x"}}, "buckets"},
		"tag":         {Query{Text: "x", Tags: []string{"#"}}, "tags"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Search(ctx, tc.q)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestNotReady(t *testing.T) {
	f := newFixture(t)
	f.index.SetState(index.Rebuilding)
	_, err := f.engine(Config{}, nil).Search(context.Background(), Query{Text: "Dory"})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestPhase1Deadline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := f.engine(Config{}, nil).Search(ctx, Query{Text: "Dory"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOffsetsBeyondMirrorForceRebuild(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.mirror.ContentPath("chat", f.cid), []byte("short"), 0o644))

	_, err := f.engine(Config{}, nil).Search(context.Background(), Query{Text: "ADHD", Budget: 1})
	require.ErrorIs(t, err, ErrIndexCorrupt)
	assert.Equal(t, index.Corrupt, f.index.State())
}

func TestSplit(t *testing.T) {
	for _, tc := range []struct {
		budget         int
		ratio          float64
		planets, moons int
	}{
		{1, 0.7, 1, 0},
		{2, 0.7, 1, 1},
		{3, 0.7, 2, 1},
		{10, 0.7, 7, 3},
		{5, 0.01, 1, 4},
		{4, 1, 4, 0},
	} {
		p, m := Split(tc.budget, tc.ratio)
		assert.Equal(t, tc.planets, p, "budget %d", tc.budget)
		assert.Equal(t, tc.moons, m, "budget %d", tc.budget)
	}
}

func TestSnapToRuneBoundaries(t *testing.T) {
	data := []byte("aé€b")
	lo, hi := snap(data, 2, 4)
	assert.Equal(t, int64(1), lo)
	assert.Equal(t, int64(6), hi)

	lo, hi = snap(data, -10, 100)
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(len(data)), hi)
}

func TestMerge(t *testing.T) {
	out := merge([]window{{lo: 20, hi: 30, ids: []string{"c"}}, {lo: 0, hi: 10, ids: []string{"a"}}, {lo: 10, hi: 15, ids: []string{"b"}}})
	require.Len(t, out, 2)
	assert.Equal(t, window{lo: 0, hi: 15, ids: []string{"a", "b"}}, out[0])
	assert.Equal(t, window{lo: 20, hi: 30, ids: []string{"c"}}, out[1])
}
