package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece/internal/fs"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "mirror")
	s, err := Open(root, Options{})
	require.NoError(t, err)
	return s, root
}

func testHeader(id string) Header {
	return Header{
		CompoundID:  id,
		Bucket:      "notes",
		Path:        "/tmp/a.md",
		ContentType: "prose",
		IngestedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCreateAppendReplay(t *testing.T) {
	s, _ := openTestStore(t)
	content := []byte("hello world, this is mirrored content")

	w, err := s.Create(testHeader("c1"), content)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), w.Header().Size)

	gen, err := w.Append([]Molecule{
		{ID: "c1:0", Ordinal: 0, Start: 0, End: 11, Fingerprint: 1<<63 | 5, Atoms: []Atom{{ID: "hello", Label: "hello", Type: "keyword", Weight: 0.5}}},
		{ID: "c1:1", Ordinal: 1, Start: 11, End: int64(len(content)), Fingerprint: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	require.NoError(t, w.Seal(Seal{Molecules: 2}))

	sc, err := s.ReadSidecar("notes", "c1")
	require.NoError(t, err)
	assert.False(t, sc.Torn)
	assert.True(t, sc.Sealed())
	assert.Equal(t, "c1", sc.Header.CompoundID)
	assert.Equal(t, "/tmp/a.md", sc.Header.Path)
	require.Len(t, sc.Molecules, 2)
	assert.Equal(t, uint64(1<<63|5), sc.Molecules[0].Fingerprint)
	assert.Equal(t, "hello", sc.Molecules[0].Atoms[0].ID)

	text, err := s.ReadSpan("notes", "c1", 0, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(text))

	_, err = s.ReadSpan("notes", "c1", 0, 1000)
	assert.ErrorIs(t, err, ErrOutOfRange)

	size, err := s.ContentSize("notes", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	scan, err := s.ScanContent("notes", "c1")
	require.NoError(t, err)
	defer scan.Close()
	assert.Equal(t, content, scan.Bytes())
}

func TestCreateIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	content := []byte("same bytes")

	_, err := s.Create(testHeader("c1"), content)
	require.NoError(t, err)
	_, err = s.Create(testHeader("c1"), content)
	require.NoError(t, err)

	_, err = s.Create(testHeader("c1"), []byte("different length bytes"))
	assert.ErrorIs(t, err, ErrExists)
}

func TestInvalidNames(t *testing.T) {
	s, _ := openTestStore(t)
	h := testHeader("../escape")
	_, err := s.Create(h, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidName)

	h = testHeader("ok")
	h.Bucket = "Bad/Bucket"
	_, err = s.Create(h, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidName)

	assert.True(t, ValidBucket("default"))
	assert.True(t, ValidBucket("team-a.notes_1"))
	assert.False(t, ValidBucket(""))
	assert.False(t, ValidBucket("UPPER"))
	assert.False(t, ValidBucket("a..b"))
}

func TestTornTailIgnored(t *testing.T) {
	s, root := openTestStore(t)
	w, err := s.Create(testHeader("c1"), []byte("0123456789"))
	require.NoError(t, err)
	_, err = w.Append([]Molecule{{ID: "c1:0", Start: 0, End: 10, Fingerprint: 3}})
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(root, "notes", "c1.meta"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("deadbeef {\"kind\":\"molecule\",\"molec")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sc, err := s.ReadSidecar("notes", "c1")
	require.NoError(t, err)
	assert.True(t, sc.Torn)
	assert.False(t, sc.Sealed())
	require.Len(t, sc.Molecules, 1)
}

func TestPartialAppendFault(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mirror")
	ffs := fs.NewFaultyFS(nil)
	s, err := Open(root, Options{FS: ffs})
	require.NoError(t, err)

	w, err := s.Create(testHeader("c1"), []byte("0123456789"))
	require.NoError(t, err)
	_, err = w.Append([]Molecule{{ID: "c1:0", Start: 0, End: 5}})
	require.NoError(t, err)

	ffs.AddRule("c1.meta", fs.Fault{FailAfterBytes: 20})
	_, err = w.Append([]Molecule{{ID: "c1:1", Start: 5, End: 10}})
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, uint64(2), s.Generation(), "the generation moves before the sidecar does")
	ffs.Reset()

	reopened, err := Open(root, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reopened.Generation())

	sc, err := s.ReadSidecar("notes", "c1")
	require.NoError(t, err)
	assert.True(t, sc.Torn)
	require.Len(t, sc.Molecules, 1)
	assert.Equal(t, "c1:0", sc.Molecules[0].ID)
}

func TestRecoverRemovesTmpFiles(t *testing.T) {
	s, root := openTestStore(t)
	_, err := s.Create(testHeader("c1"), []byte("content"))
	require.NoError(t, err)

	stray := filepath.Join(root, "notes", "c2.dat"+fs.TmpSuffix)
	require.NoError(t, os.WriteFile(stray, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "STATE"+fs.TmpSuffix), []byte("x"), 0o644))

	s2, err := Open(root, Options{})
	require.NoError(t, err)
	_, err = os.Stat(stray)
	assert.True(t, os.IsNotExist(err))

	ids, err := s2.Compounds("notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
}

func TestCrashBeforeRenameLeavesNoCompound(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mirror")
	ffs := fs.NewFaultyFS(nil)
	s, err := Open(root, Options{FS: ffs})
	require.NoError(t, err)

	ffs.AddRule(".dat"+fs.TmpSuffix, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	_, err = s.Create(testHeader("c1"), []byte("content"))
	require.Error(t, err)

	ids, err := s.Compounds("notes")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = s.ReadSidecar("notes", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerationPersists(t *testing.T) {
	s, root := openTestStore(t)
	assert.Equal(t, uint64(0), s.Generation())
	_, err := s.BumpGeneration()
	require.NoError(t, err)
	g, err := s.BumpGeneration()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g)

	s2, err := Open(root, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s2.Generation())
}

func TestSuppression(t *testing.T) {
	s, _ := openTestStore(t)
	sup, err := s.Suppressed("notes")
	require.NoError(t, err)
	assert.Empty(t, sup)

	require.NoError(t, s.Suppress("notes", []string{"c1:0", "c2:3"}))
	require.NoError(t, s.Suppress("notes", []string{"c9:1"}))
	sup, err = s.Suppressed("notes")
	require.NoError(t, err)
	assert.Len(t, sup, 3)
	assert.Contains(t, sup, "c2:3")
	assert.Equal(t, uint64(2), s.Generation())
}

func TestFilesAndValidRel(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Create(testHeader("c1"), []byte("content"))
	require.NoError(t, err)
	require.NoError(t, s.Suppress("notes", []string{"c1:0"}))

	files, err := s.Files()
	require.NoError(t, err)
	var rels []string
	for _, f := range files {
		rels = append(rels, f.Rel)
		assert.True(t, ValidRel(f.Rel), f.Rel)
	}
	assert.Equal(t, []string{"STATE", "notes/c1.dat", "notes/c1.meta", "notes/suppressed.log"}, rels)

	assert.False(t, ValidRel("../etc/passwd"))
	assert.False(t, ValidRel("notes/x.exe"))
	assert.False(t, ValidRel("a/b/c.dat"))
}

func TestRestoreCopiesFiles(t *testing.T) {
	src, _ := openTestStore(t)
	w, err := src.Create(testHeader("c1"), []byte("content"))
	require.NoError(t, err)
	_, err = w.Append([]Molecule{{ID: "c1:0", End: 7, Fingerprint: 9}})
	require.NoError(t, err)

	dst, _ := openTestStore(t)
	empty, err := dst.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	files, err := src.Files()
	require.NoError(t, err)
	for _, f := range files {
		r, err := src.OpenFile(f.Rel)
		require.NoError(t, err)
		n, err := dst.Restore(f.Rel, r)
		require.NoError(t, r.Close())
		require.NoError(t, err)
		assert.Equal(t, f.Size, n)
	}
	require.NoError(t, dst.Reload())
	assert.Equal(t, src.Generation(), dst.Generation())

	sc, err := dst.ReadSidecar("notes", "c1")
	require.NoError(t, err)
	require.Len(t, sc.Molecules, 1)

	_, err = dst.Restore("../escape.dat", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = src.OpenFile("notes/../../x.dat")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestLockSerializesWriters(t *testing.T) {
	s, _ := openTestStore(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("c1")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, s.locks.m)
}
