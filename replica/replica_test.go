package replica

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece/internal/mirror"
)

func openMirror(t *testing.T) *mirror.Store {
	t.Helper()
	m, err := mirror.Open(filepath.Join(t.TempDir(), "mirror"), mirror.Options{})
	require.NoError(t, err)
	return m
}

func header(id string) mirror.Header {
	return mirror.Header{CompoundID: id, Bucket: "notes", ContentType: "prose", IngestedAt: time.Unix(0, 0).UTC()}
}

func TestDir(t *testing.T) {
	ctx := context.Background()
	d := NewDir(filepath.Join(t.TempDir(), "replica"))

	objs, err := d.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, objs, "a missing root lists nothing")

	require.NoError(t, d.Put(ctx, "notes/a.dat", strings.NewReader("hello"), 5))
	require.NoError(t, d.Put(ctx, "STATE", strings.NewReader("generation 1\n"), 13))
	require.Error(t, d.Put(ctx, "short", strings.NewReader("abc"), 10))

	objs, err = d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Object{{Name: "STATE", Size: 13}, {Name: "notes/a.dat", Size: 5}}, objs)

	r, err := d.Open(ctx, "notes/a.dat")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = d.Open(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, d.Put(ctx, "../escape", strings.NewReader("x"), 1), ErrInvalidName)
}

func TestBackupIsIncremental(t *testing.T) {
	ctx := context.Background()
	m := openMirror(t)
	d := NewDir(filepath.Join(t.TempDir(), "replica"))

	w, err := m.Create(header("c1"), []byte("first compound"))
	require.NoError(t, err)
	_, err = w.Append([]mirror.Molecule{{ID: "c1:0", End: 14, Fingerprint: 1}})
	require.NoError(t, err)

	rep, err := Backup(ctx, m, d, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Transferred, "content, sidecar and STATE")
	assert.Zero(t, rep.Unchanged)
	assert.Equal(t, m.Generation(), rep.Generation)

	rep, err = Backup(ctx, m, d, Options{Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Transferred, "only STATE")
	assert.Equal(t, 2, rep.Unchanged)

	require.NoError(t, w.Seal(mirror.Seal{Molecules: 1}))
	rep, err = Backup(ctx, m, d, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Transferred, "the grown sidecar and STATE")
	assert.Equal(t, 1, rep.Unchanged)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	src := openMirror(t)
	d := NewDir(filepath.Join(t.TempDir(), "replica"))
	w, err := src.Create(header("c1"), []byte("restored content"))
	require.NoError(t, err)
	_, err = w.Append([]mirror.Molecule{{ID: "c1:0", End: 16, Fingerprint: 1}})
	require.NoError(t, err)
	require.NoError(t, src.Suppress("notes", []string{"c1:5"}))
	_, err = Backup(ctx, src, d, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Put(ctx, "README.txt", strings.NewReader("not mirror data"), 15))

	dst := openMirror(t)
	rep, err := Restore(ctx, d, dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Transferred)
	assert.Equal(t, src.Generation(), dst.Generation())

	got, err := dst.ReadSpan("notes", "c1", 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "restored", string(got))

	_, err = Restore(ctx, d, dst, Options{})
	require.ErrorIs(t, err, ErrNotEmpty)
}

func TestRestoreRejectsTruncatedObject(t *testing.T) {
	ctx := context.Background()
	src := openMirror(t)
	root := filepath.Join(t.TempDir(), "replica")
	d := NewDir(root)
	_, err := src.Create(header("c1"), []byte("0123456789"))
	require.NoError(t, err)
	_, err = Backup(ctx, src, d, Options{})
	require.NoError(t, err)

	dst := openMirror(t)
	_, err = Restore(ctx, lying{d}, dst, Options{})
	require.Error(t, err)
	_, statErr := os.Stat(dst.ContentPath("notes", "c1"))
	assert.True(t, os.IsNotExist(statErr))
}

// lying reports every object one byte larger than it is.
type lying struct{ *Dir }

func (l lying) List(ctx context.Context) ([]Object, error) {
	objs, err := l.Dir.List(ctx)
	for i := range objs {
		objs[i].Size++
	}
	return objs, err
}
