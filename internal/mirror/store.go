package mirror

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/ece/internal/fs"
	"github.com/hupe1980/ece/internal/hash"
	"github.com/hupe1980/ece/internal/mmap"
)

var (
	// ErrNotFound is returned for unknown compounds.
	ErrNotFound = errors.New("mirror: compound not found")
	// ErrBadSidecar is returned when a sidecar cannot be replayed.
	ErrBadSidecar = errors.New("mirror: bad sidecar")
	// ErrExists is returned when content for a compound id differs from what
	// is already mirrored.
	ErrExists = errors.New("mirror: compound exists")
	// ErrInvalidName is returned for bucket or compound names that are not
	// safe path components.
	ErrInvalidName = errors.New("mirror: invalid name")
	// ErrOutOfRange is returned when a span exceeds the content file.
	ErrOutOfRange = mmap.ErrOutOfRange
)

const (
	stateFile      = "STATE"
	contentExt     = ".dat"
	sidecarExt     = ".meta"
	suppressedFile = "suppressed.log"
)

var (
	bucketRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
	idRe     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ValidBucket reports whether name can be used as a bucket.
func ValidBucket(name string) bool {
	return bucketRe.MatchString(name) && !strings.Contains(name, "..")
}

func validID(id string) bool {
	return idRe.MatchString(id) && !strings.Contains(id, "..")
}

// Options configures a Store.
type Options struct {
	FS     fs.FileSystem
	Logger *slog.Logger
}

// Store is safe for concurrent use. Readers never block writers; writers to
// the same compound are serialized.
type Store struct {
	root   string
	fs     fs.FileSystem
	logger *slog.Logger

	genMu sync.Mutex
	gen   uint64

	supMu sync.Mutex

	locks lockTable
}

// Open opens or creates the mirror at root and runs recovery.
func Open(root string, opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if err := opts.FS.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		root:   root,
		fs:     opts.FS,
		logger: opts.Logger,
		locks:  lockTable{m: make(map[string]*lockEntry)},
	}
	removed, err := s.Recover()
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.logger.Info("removed incomplete mirror files", "count", len(removed))
	}
	gen, err := s.readGeneration()
	if err != nil {
		return nil, err
	}
	s.gen = gen
	return s, nil
}

// Root returns the mirror root directory.
func (s *Store) Root() string { return s.root }

// Recover removes *.tmp files left behind by interrupted writes.
func (s *Store) Recover() ([]string, error) {
	var removed []string
	rm := func(dir string) error {
		entries, err := s.fs.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), fs.TmpSuffix) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			removed = append(removed, p)
		}
		return nil
	}
	if err := rm(s.root); err != nil {
		return nil, err
	}
	buckets, err := s.Buckets()
	if err != nil {
		return nil, err
	}
	for _, b := range buckets {
		if err := rm(filepath.Join(s.root, b)); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

// Generation returns the mirror generation. It increases with every durable
// sidecar append and is recorded by the index to detect staleness.
func (s *Store) Generation() uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gen
}

// BumpGeneration durably increments the generation.
func (s *Store) BumpGeneration() (uint64, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	next := s.gen + 1
	data := []byte("generation " + strconv.FormatUint(next, 10) + "\n")
	if err := fs.WriteAtomic(s.fs, filepath.Join(s.root, stateFile), data, 0o644); err != nil {
		return s.gen, err
	}
	s.gen = next
	return next, nil
}

func (s *Store) readGeneration() (uint64, error) {
	data, err := fs.ReadFile(s.fs, filepath.Join(s.root, stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] != "generation" {
		return 0, fmt.Errorf("mirror: malformed STATE file")
	}
	return strconv.ParseUint(fields[1], 10, 64)
}

func (s *Store) bucketDir(bucket string) string { return filepath.Join(s.root, bucket) }

// ContentPath returns the path of the content file of a compound.
func (s *Store) ContentPath(bucket, id string) string {
	return filepath.Join(s.root, bucket, id+contentExt)
}

func (s *Store) sidecarPath(bucket, id string) string {
	return filepath.Join(s.root, bucket, id+sidecarExt)
}

func checkNames(bucket, id string) error {
	if !ValidBucket(bucket) {
		return fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	if !validID(id) {
		return fmt.Errorf("%w: compound %q", ErrInvalidName, id)
	}
	return nil
}

// Lock acquires the writer lock of a compound. The returned func releases it.
func (s *Store) Lock(id string) func() {
	return s.locks.lock(id)
}

// Create durably writes the content file and the sidecar header of a new
// compound. Repeating Create with identical content and header is a no-op.
// The caller must hold the compound's writer lock.
func (s *Store) Create(h Header, content []byte) (*Writer, error) {
	if err := checkNames(h.Bucket, h.CompoundID); err != nil {
		return nil, err
	}
	h.Version = FormatVersion
	h.Size = int64(len(content))
	h.ContentCRC = hash.CRC32C(content)

	if err := s.fs.MkdirAll(s.bucketDir(h.Bucket), 0o755); err != nil {
		return nil, err
	}

	cpath := s.ContentPath(h.Bucket, h.CompoundID)
	if info, err := s.fs.Stat(cpath); err == nil {
		if info.Size() != h.Size {
			return nil, fmt.Errorf("%w: %s/%s", ErrExists, h.Bucket, h.CompoundID)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := fs.WriteAtomic(s.fs, cpath, content, 0o644); err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	spath := s.sidecarPath(h.Bucket, h.CompoundID)
	ok, err := fs.Exists(s.fs, spath)
	if err != nil {
		return nil, err
	}
	if !ok {
		var buf bytes.Buffer
		if err := encodeRecord(&buf, record{Kind: kindHeader, Header: &h}); err != nil {
			return nil, err
		}
		if err := fs.WriteAtomic(s.fs, spath, buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
	}
	return &Writer{store: s, header: h, path: spath}, nil
}

// Writer appends records to a compound's sidecar.
type Writer struct {
	store  *Store
	header Header
	path   string
}

// Header returns the compound header.
func (w *Writer) Header() Header { return w.header }

// Append bumps the generation, then durably appends molecule records. An
// index that recorded the previous generation is stale from the moment the
// bump lands, so a failure or crash during the append is always detected.
func (w *Writer) Append(mols []Molecule) (uint64, error) {
	if len(mols) == 0 {
		return w.store.Generation(), nil
	}
	var buf bytes.Buffer
	for i := range mols {
		if err := encodeRecord(&buf, record{Kind: kindMolecule, Molecule: &mols[i]}); err != nil {
			return 0, err
		}
	}
	gen, err := w.store.BumpGeneration()
	if err != nil {
		return 0, err
	}
	if err := w.appendBytes(buf.Bytes()); err != nil {
		return 0, err
	}
	return gen, nil
}

// Seal appends the seal record.
func (w *Writer) Seal(seal Seal) error {
	if seal.SealedAt.IsZero() {
		seal.SealedAt = time.Now().UTC()
	}
	var buf bytes.Buffer
	if err := encodeRecord(&buf, record{Kind: kindSeal, Seal: &seal}); err != nil {
		return err
	}
	return w.appendBytes(buf.Bytes())
}

func (w *Writer) appendBytes(data []byte) error {
	f, err := w.store.fs.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadSidecar replays the sidecar of a compound.
func (s *Store) ReadSidecar(bucket, id string) (*Sidecar, error) {
	if err := checkNames(bucket, id); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(s.sidecarPath(bucket, id), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, id)
		}
		return nil, err
	}
	defer f.Close()
	sc, err := decodeSidecar(f)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", bucket, id, err)
	}
	if sc.Header.Bucket != bucket || sc.Header.CompoundID != id {
		return nil, fmt.Errorf("%w: %s/%s header names %s/%s", ErrBadSidecar, bucket, id, sc.Header.Bucket, sc.Header.CompoundID)
	}
	return sc, nil
}

// ContentSize returns the size of the content file.
func (s *Store) ContentSize(bucket, id string) (int64, error) {
	if err := checkNames(bucket, id); err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(s.ContentPath(bucket, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, id)
		}
		return 0, err
	}
	return info.Size(), nil
}

// OpenContent maps the content file of a compound read-only for random reads.
func (s *Store) OpenContent(bucket, id string) (*mmap.File, error) {
	return s.mapContent(bucket, id, mmap.Random)
}

// ScanContent maps the content file of a compound for one front-to-back pass.
func (s *Store) ScanContent(bucket, id string) (*mmap.File, error) {
	return s.mapContent(bucket, id, mmap.Sequential)
}

func (s *Store) mapContent(bucket, id string, access mmap.Access) (*mmap.File, error) {
	if err := checkNames(bucket, id); err != nil {
		return nil, err
	}
	m, err := mmap.Open(s.ContentPath(bucket, id), access)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, id)
		}
		return nil, err
	}
	return m, nil
}

// ReadSpan returns a copy of [start, end) of a compound's content.
func (s *Store) ReadSpan(bucket, id string, start, end int64) ([]byte, error) {
	m, err := s.OpenContent(bucket, id)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.Copy(start, end)
}

// Buckets lists bucket names in sorted order.
func (s *Store) Buckets() ([]string, error) {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidBucket(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Compounds lists the compound ids of a bucket in sorted order.
func (s *Store) Compounds(bucket string) ([]string, error) {
	if !ValidBucket(bucket) {
		return nil, fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	entries, err := s.fs.ReadDir(s.bucketDir(bucket))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sidecarExt) {
			continue
		}
		id := strings.TrimSuffix(name, sidecarExt)
		if validID(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Suppress bumps the generation and appends molecule ids to the bucket's
// suppression log.
func (s *Store) Suppress(bucket string, ids []string) error {
	if !ValidBucket(bucket) {
		return fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	if len(ids) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(hash.Frame([]byte(id)))
		buf.WriteByte(' ')
		buf.WriteString(id)
		buf.WriteByte('\n')
	}

	s.supMu.Lock()
	defer s.supMu.Unlock()
	if err := s.fs.MkdirAll(s.bucketDir(bucket), 0o755); err != nil {
		return err
	}
	if _, err := s.BumpGeneration(); err != nil {
		return err
	}
	f, err := s.fs.OpenFile(filepath.Join(s.bucketDir(bucket), suppressedFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Suppressed returns the suppressed molecule ids of a bucket.
func (s *Store) Suppressed(bucket string) (map[string]struct{}, error) {
	if !ValidBucket(bucket) {
		return nil, fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	out := make(map[string]struct{})
	f, err := s.fs.OpenFile(filepath.Join(s.bucketDir(bucket), suppressedFile), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 10 || line[8] != ' ' || !hash.VerifyFrame(line[:8], []byte(line[9:])) {
			break
		}
		out[line[9:]] = struct{}{}
	}
	return out, sc.Err()
}

// File is a mirror file relative to the root.
type File struct {
	Rel     string
	Size    int64
	ModTime time.Time
}

// Files lists the durable mirror files (content, sidecars, suppression logs
// and STATE) in sorted order.
func (s *Store) Files() ([]File, error) {
	var out []File
	add := func(rel string) error {
		info, err := s.fs.Stat(filepath.Join(s.root, rel))
		if err != nil {
			return err
		}
		out = append(out, File{Rel: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	}
	if ok, err := fs.Exists(s.fs, filepath.Join(s.root, stateFile)); err != nil {
		return nil, err
	} else if ok {
		if err := add(stateFile); err != nil {
			return nil, err
		}
	}
	buckets, err := s.Buckets()
	if err != nil {
		return nil, err
	}
	for _, b := range buckets {
		entries, err := s.fs.ReadDir(s.bucketDir(b))
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			n := e.Name()
			if e.IsDir() || strings.HasSuffix(n, fs.TmpSuffix) {
				continue
			}
			if strings.HasSuffix(n, contentExt) || strings.HasSuffix(n, sidecarExt) || n == suppressedFile {
				names = append(names, n)
			}
		}
		sort.Strings(names)
		for _, n := range names {
			if err := add(filepath.Join(b, n)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// OpenFile opens a mirror file named by its slash-separated relative path,
// as listed by Files.
func (s *Store) OpenFile(rel string) (io.ReadCloser, error) {
	if !ValidRel(rel) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, rel)
	}
	return s.fs.OpenFile(filepath.Join(s.root, filepath.FromSlash(rel)), os.O_RDONLY, 0)
}

// Restore atomically writes a mirror file from r. Restored files are not
// validated beyond their name; a rebuild reports inconsistent compounds.
// Call Reload once all files are restored.
func (s *Store) Restore(rel string, r io.Reader) (int64, error) {
	if !ValidRel(rel) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, rel)
	}
	path := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	return fs.CopyAtomic(s.fs, path, r, 0o644)
}

// Reload re-reads the generation from disk.
func (s *Store) Reload() error {
	gen, err := s.readGeneration()
	if err != nil {
		return err
	}
	s.genMu.Lock()
	s.gen = gen
	s.genMu.Unlock()
	return nil
}

// Empty reports whether the mirror holds no files yet.
func (s *Store) Empty() (bool, error) {
	files, err := s.Files()
	if err != nil {
		return false, err
	}
	return len(files) == 0, nil
}

// ValidRel reports whether rel names a file that can live in a mirror.
func ValidRel(rel string) bool {
	if rel == stateFile {
		return true
	}
	parts := strings.Split(rel, "/")
	if len(parts) != 2 || !ValidBucket(parts[0]) {
		return false
	}
	name := parts[1]
	if name == suppressedFile {
		return true
	}
	for _, ext := range []string{contentExt, sidecarExt} {
		if strings.HasSuffix(name, ext) {
			return validID(strings.TrimSuffix(name, ext))
		}
	}
	return false
}

type lockTable struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	e, ok := t.m[key]
	if !ok {
		e = &lockEntry{}
		t.m[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.m, key)
		}
		t.mu.Unlock()
	}
}
