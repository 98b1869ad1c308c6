package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/resource"
)

// stateName is the mirror's generation file.
const stateName = "STATE"

// ErrNotEmpty is returned when restoring into a mirror that holds data.
var ErrNotEmpty = errors.New("replica: mirror is not empty")

// Options configures Backup and Restore.
type Options struct {
	// Concurrency bounds parallel transfers. Default 4.
	Concurrency int
	// Controller rate limits the bytes read from the mirror.
	Controller *resource.Controller
	Logger     *slog.Logger
}

func (o Options) normalized() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Report summarizes a transfer.
type Report struct {
	Transferred int
	Unchanged   int
	Bytes       int64
	Generation  uint64
	Elapsed     time.Duration
}

// Backup uploads the mirror files the target lacks or holds at a different
// size. Each file is uploaded at the size listed when the backup started.
func Backup(ctx context.Context, m *mirror.Store, t Target, opts Options) (Report, error) {
	opts = opts.normalized()
	start := time.Now()
	var rep Report

	// STATE is read before the other files are listed so that it never
	// names a later generation than the uploaded data.
	state, gen, err := readState(m)
	if err != nil {
		return rep, err
	}
	files, err := m.Files()
	if err != nil {
		return rep, err
	}
	remote, err := t.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("replica: list: %w", err)
	}
	have := make(map[string]int64, len(remote))
	for _, o := range remote {
		have[o.Name] = o.Size
	}

	var todo []mirror.File
	for _, f := range files {
		if f.Rel == stateName {
			continue
		}
		if size, ok := have[f.Rel]; ok && size == f.Size {
			rep.Unchanged++
			continue
		}
		todo = append(todo, f)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	sizes := make([]int64, len(todo))
	for i, f := range todo {
		g.Go(func() error {
			if err := opts.Controller.AcquireIO(gctx, int(f.Size)); err != nil {
				return err
			}
			r, err := m.OpenFile(f.Rel)
			if err != nil {
				return err
			}
			defer r.Close()
			if err := t.Put(gctx, f.Rel, io.LimitReader(r, f.Size), f.Size); err != nil {
				return fmt.Errorf("replica: put %s: %w", f.Rel, err)
			}
			sizes[i] = f.Size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	for _, n := range sizes {
		rep.Transferred++
		rep.Bytes += n
	}

	if state != nil {
		if err := t.Put(ctx, stateName, bytes.NewReader(state), int64(len(state))); err != nil {
			return rep, fmt.Errorf("replica: put %s: %w", stateName, err)
		}
		rep.Transferred++
		rep.Bytes += int64(len(state))
	}
	rep.Generation = gen
	rep.Elapsed = time.Since(start)
	opts.Logger.Info("mirror backed up", "transferred", rep.Transferred, "unchanged", rep.Unchanged, "bytes", rep.Bytes, "generation", gen)
	return rep, nil
}

func readState(m *mirror.Store) ([]byte, uint64, error) {
	gen := m.Generation()
	r, err := m.OpenFile(stateName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, gen, nil
		}
		return nil, 0, err
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, 1<<10))
	return data, gen, err
}

// Restore copies every object of the target into m, which must be empty.
// Objects that do not name mirror files are skipped and logged. The caller
// rebuilds the index afterwards.
func Restore(ctx context.Context, t Target, m *mirror.Store, opts Options) (Report, error) {
	opts = opts.normalized()
	start := time.Now()
	var rep Report

	empty, err := m.Empty()
	if err != nil {
		return rep, err
	}
	if !empty {
		return rep, ErrNotEmpty
	}
	objs, err := t.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("replica: list: %w", err)
	}

	var state *Object
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	sizes := make([]int64, len(objs))
	for i, o := range objs {
		if !mirror.ValidRel(o.Name) {
			opts.Logger.Warn("skipping foreign object", "name", o.Name)
			continue
		}
		if o.Name == stateName {
			state = &objs[i]
			continue
		}
		g.Go(func() error {
			n, err := restoreOne(gctx, t, m, o)
			sizes[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	if state != nil {
		n, err := restoreOne(ctx, t, m, *state)
		if err != nil {
			return rep, err
		}
		rep.Transferred++
		rep.Bytes += n
	}
	for _, n := range sizes {
		if n > 0 {
			rep.Transferred++
			rep.Bytes += n
		}
	}
	if err := m.Reload(); err != nil {
		return rep, err
	}
	rep.Generation = m.Generation()
	rep.Elapsed = time.Since(start)
	opts.Logger.Info("mirror restored", "transferred", rep.Transferred, "bytes", rep.Bytes, "generation", rep.Generation)
	return rep, nil
}

func restoreOne(ctx context.Context, t Target, m *mirror.Store, o Object) (int64, error) {
	r, err := t.Open(ctx, o.Name)
	if err != nil {
		return 0, fmt.Errorf("replica: open %s: %w", o.Name, err)
	}
	defer r.Close()
	n, err := m.Restore(o.Name, &sized{r: r, want: o.Size, name: o.Name})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// sized fails the final read when the stream length differs from the
// listed size, which keeps a truncated download out of the mirror.
type sized struct {
	r    io.Reader
	want int64
	n    int64
	name string
}

func (s *sized) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if errors.Is(err, io.EOF) && s.n != s.want {
		return n, fmt.Errorf("replica: %s: read %d bytes, listed %d", s.name, s.n, s.want)
	}
	return n, err
}
