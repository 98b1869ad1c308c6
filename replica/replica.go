package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/ece/internal/fs"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
var ErrNotFound = os.ErrNotExist

// ErrInvalidName is returned for object names that are not local
// slash-separated paths.
var ErrInvalidName = errors.New("replica: invalid object name")

// Object is a stored file.
type Object struct {
	Name string
	Size int64
}

// Target is a backup destination. Implementations must be safe for
// concurrent use.
type Target interface {
	// List returns every object under the target root, sorted by name.
	List(ctx context.Context) ([]Object, error)
	// Put stores size bytes read from r under name, replacing any previous
	// object atomically.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// Open returns the content of an object.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Dir is a Target backed by a local directory.
type Dir struct {
	root string
}

// NewDir returns a Target rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) path(name string) (string, error) {
	p := filepath.FromSlash(name)
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(d.root, p), nil
}

// List walks the directory. Files still being written are skipped.
func (d *Dir) List(ctx context.Context) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(d.root, func(path string, e os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == d.root {
				return filepath.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || strings.HasSuffix(path, fs.TmpSuffix) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		out = append(out, Object{Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Put writes the object via a temporary sibling.
func (d *Dir) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	n, err := fs.CopyAtomic(fs.Default, p, io.LimitReader(r, size), 0o644)
	if err != nil {
		return err
	}
	if n != size {
		_ = os.Remove(p)
		return fmt.Errorf("replica: %s: wrote %d of %d bytes", name, n, size)
	}
	return nil
}

// Open opens the object for reading.
func (d *Dir) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}
