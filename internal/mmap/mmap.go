package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrOutOfRange is returned when a requested span exceeds the mapped file.
var ErrOutOfRange = errors.New("mmap: span out of range")

// File represents a read-only memory-mapped file.
type File struct {
	data []byte
	f    *os.File
}

// Access hints how a mapping will be read.
type Access int

const (
	// Random suits inflation windows sliced out of arbitrary offsets.
	Random Access = iota
	// Sequential suits whole-file scans such as checksum verification.
	Sequential
)

// Open maps the file at path into memory as read-only.
func Open(path string, access Access) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		return &File{f: f}, nil
	}
	if size < 0 {
		_ = f.Close()
		return nil, errors.New("mmap: file size is negative")
	}

	data, err := mapFile(f, int(size), access)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &File{data: data, f: f}, nil
}

// Close unmaps the memory and closes the underlying file.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.data != nil {
		err = unmapFile(m.data)
		m.data = nil
	}
	if m.f != nil {
		if closeErr := m.f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.f = nil
	}
	return err
}

// Size returns the mapped length.
func (m *File) Size() int64 { return int64(len(m.data)) }

// Bytes returns the mapped bytes. The slice is invalid after Close.
func (m *File) Bytes() []byte { return m.data }

// Copy returns a copy of the half-open span [start, end).
func (m *File) Copy(start, end int64) ([]byte, error) {
	if start < 0 || end < start || end > int64(len(m.data)) {
		return nil, fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, start, end, len(m.data))
	}
	out := make([]byte, end-start)
	copy(out, m.data[start:end])
	return out, nil
}

// ReadAt implements io.ReaderAt on a memory-mapped file.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
