// Package archive exports a mirror as a single compressed tar stream and
// imports it into an empty mirror.
//
// The first entry is MANIFEST.json listing every file with its size and
// CRC32C. Import verifies each file against the manifest while streaming it
// into place; a file that fails verification is never renamed into the
// mirror.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/ece/internal/hash"
	"github.com/hupe1980/ece/internal/mirror"
)

const (
	manifestName    = "MANIFEST.json"
	manifestVersion = 1
)

var (
	// ErrNotEmpty is returned when importing into a mirror that holds data.
	ErrNotEmpty = errors.New("archive: mirror is not empty")
	// ErrCorrupt is returned for archives that fail verification.
	ErrCorrupt = errors.New("archive: corrupt archive")
	// ErrUnsafePath is returned for entries that do not name a mirror file.
	ErrUnsafePath = errors.New("archive: unsafe entry name")
)

// Codec selects the stream compression.
type Codec uint8

const (
	// Zstd favours ratio.
	Zstd Codec = iota
	// LZ4 favours speed.
	LZ4
	// None writes a plain tar stream.
	None
)

func (c Codec) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case None:
		return "none"
	default:
		return fmt.Sprintf("Codec(%d)", c)
	}
}

// ParseCodec parses a codec name. The empty string selects Zstd.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "zstd", "zst":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	case "none", "tar":
		return None, nil
	}
	return 0, fmt.Errorf("archive: unknown codec %q", s)
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// Entry describes an archived mirror file.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	CRC32C uint32 `json:"crc32c"`
}

// Manifest is the first entry of an archive.
type Manifest struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Generation uint64    `json:"generation"`
	Files      []Entry   `json:"files"`
}

// Report summarizes an export or import.
type Report struct {
	Codec      Codec
	Files      int
	Bytes      int64
	Generation uint64
	Elapsed    time.Duration
}

// Options configures Export.
type Options struct {
	Codec  Codec
	Logger *slog.Logger
	Now    func() time.Time
}

// Export writes every durable mirror file to w.
//
// Sidecars may grow while an export runs. Each file is captured at the size
// listed when the export started; sidecar prefixes are always valid.
func Export(ctx context.Context, m *mirror.Store, w io.Writer, opts Options) (Report, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	start := opts.Now()
	rep := Report{Codec: opts.Codec}

	files, err := m.Files()
	if err != nil {
		return rep, err
	}
	man := Manifest{Version: manifestVersion, ExportedAt: start.UTC(), Generation: m.Generation()}
	inline := make(map[string][]byte)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		crc, data, err := checksum(m, f)
		if err != nil {
			return rep, fmt.Errorf("archive: %s: %w", f.Rel, err)
		}
		if data != nil {
			inline[f.Rel] = data
		}
		man.Files = append(man.Files, Entry{Name: f.Rel, Size: f.Size, CRC32C: crc})
	}

	cw, err := compressor(w, opts.Codec)
	if err != nil {
		return rep, err
	}
	tw := tar.NewWriter(cw)

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return rep, err
	}
	if err := writeHeader(tw, manifestName, int64(len(data)), start); err != nil {
		return rep, err
	}
	if _, err := tw.Write(data); err != nil {
		return rep, err
	}

	for _, e := range man.Files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := writeHeader(tw, e.Name, e.Size, start); err != nil {
			return rep, err
		}
		n, err := copyEntry(tw, m, e, inline[e.Name])
		if err != nil {
			return rep, fmt.Errorf("archive: %s: %w", e.Name, err)
		}
		if n != e.Size {
			return rep, fmt.Errorf("archive: %s shrank to %d bytes during export", e.Name, n)
		}
		rep.Files++
		rep.Bytes += n
	}
	if err := tw.Close(); err != nil {
		return rep, err
	}
	if err := cw.Close(); err != nil {
		return rep, err
	}
	rep.Generation = man.Generation
	rep.Elapsed = opts.Now().Sub(start)
	if opts.Logger != nil {
		opts.Logger.Info("mirror exported", "codec", opts.Codec.String(), "files", rep.Files, "bytes", rep.Bytes)
	}
	return rep, nil
}

// inlineLimit bounds the files captured in memory by the checksum pass.
// STATE is rewritten in place, so it must be archived from the same bytes
// that were checksummed.
const inlineLimit = 64 << 10

func checksum(m *mirror.Store, f mirror.File) (uint32, []byte, error) {
	r, err := m.OpenFile(f.Rel)
	if err != nil {
		return 0, nil, err
	}
	defer r.Close()
	if f.Size <= inlineLimit {
		data, err := io.ReadAll(io.LimitReader(r, f.Size))
		if err != nil {
			return 0, nil, err
		}
		return hash.CRC32C(data), data, nil
	}
	h := hash.NewCRC32C()
	if _, err := io.Copy(h, io.LimitReader(r, f.Size)); err != nil {
		return 0, nil, err
	}
	return h.Sum32(), nil, nil
}

func copyEntry(tw *tar.Writer, m *mirror.Store, e Entry, data []byte) (int64, error) {
	if data != nil {
		n, err := tw.Write(data)
		return int64(n), err
	}
	r, err := m.OpenFile(e.Name)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(tw, io.LimitReader(r, e.Size))
}

func writeHeader(tw *tar.Writer, name string, size int64, mtime time.Time) error {
	return tw.WriteHeader(&tar.Header{
		Name:     name,
		Size:     size,
		Mode:     0o644,
		ModTime:  mtime.UTC().Truncate(time.Second),
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	})
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func compressor(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case LZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, err
		}
		return zw, nil
	case None:
		return nopCloser{w}, nil
	}
	return nil, fmt.Errorf("archive: unknown codec %s", c)
}

// decompressor sniffs the codec from the first bytes of r.
func decompressor(r io.Reader) (io.Reader, Codec, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, nil, err
	}
	switch {
	case bytes.Equal(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, 0, nil, err
		}
		return zr, Zstd, zr.Close, nil
	case bytes.Equal(head, lz4Magic):
		return lz4.NewReader(br), LZ4, func() {}, nil
	}
	return br, None, func() {}, nil
}

// Import restores an archive into m, which must be empty. The caller
// rebuilds the index afterwards.
func Import(ctx context.Context, r io.Reader, m *mirror.Store, logger *slog.Logger) (Report, error) {
	start := time.Now()
	var rep Report

	empty, err := m.Empty()
	if err != nil {
		return rep, err
	}
	if !empty {
		return rep, ErrNotEmpty
	}

	dr, codec, closeFn, err := decompressor(r)
	if err != nil {
		return rep, err
	}
	defer closeFn()
	rep.Codec = codec
	tr := tar.NewReader(dr)

	hdr, err := tr.Next()
	if err != nil {
		return rep, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if hdr.Name != manifestName {
		return rep, fmt.Errorf("%w: first entry is %q, want %s", ErrCorrupt, hdr.Name, manifestName)
	}
	var man Manifest
	if err := json.NewDecoder(io.LimitReader(tr, 64<<20)).Decode(&man); err != nil {
		return rep, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	if man.Version != manifestVersion {
		return rep, fmt.Errorf("%w: manifest version %d", ErrCorrupt, man.Version)
	}
	want := make(map[string]Entry, len(man.Files))
	for _, e := range man.Files {
		if !mirror.ValidRel(e.Name) {
			return rep, fmt.Errorf("%w: %q", ErrUnsafePath, e.Name)
		}
		want[e.Name] = e
	}

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return rep, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if hdr.Typeflag != tar.TypeReg || !mirror.ValidRel(hdr.Name) {
			return rep, fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
		}
		e, ok := want[hdr.Name]
		if !ok {
			return rep, fmt.Errorf("%w: %s is not in the manifest", ErrCorrupt, hdr.Name)
		}
		delete(want, hdr.Name)
		n, err := m.Restore(hdr.Name, &verifier{r: tr, entry: e, h: hash.NewCRC32C()})
		if err != nil {
			return rep, err
		}
		rep.Files++
		rep.Bytes += n
	}
	if len(want) > 0 {
		return rep, fmt.Errorf("%w: %d files missing", ErrCorrupt, len(want))
	}
	if err := m.Reload(); err != nil {
		return rep, err
	}
	rep.Generation = m.Generation()
	rep.Elapsed = time.Since(start)
	if logger != nil {
		logger.Info("mirror imported", "codec", codec.String(), "files", rep.Files, "bytes", rep.Bytes, "generation", rep.Generation)
	}
	return rep, nil
}

// verifier fails the final read when the stream does not match its entry.
type verifier struct {
	r     io.Reader
	entry Entry
	h     interface {
		io.Writer
		Sum32() uint32
	}
	n int64
}

func (v *verifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.n += int64(n)
	_, _ = v.h.Write(p[:n])
	if errors.Is(err, io.EOF) {
		if v.n != v.entry.Size {
			return n, fmt.Errorf("%w: %s has %d bytes, manifest says %d", ErrCorrupt, v.entry.Name, v.n, v.entry.Size)
		}
		if got := v.h.Sum32(); got != v.entry.CRC32C {
			return n, fmt.Errorf("%w: %s checksum %08x, manifest says %08x", ErrCorrupt, v.entry.Name, got, v.entry.CRC32C)
		}
	}
	return n, err
}
