package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.dat")
	require.NoError(t, os.WriteFile(path, []byte("hello mapped world"), 0o644))

	m, err := Open(path, Random)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, int64(18), m.Size())
	b, err := m.Copy(6, 12)
	require.NoError(t, err)
	assert.Equal(t, "mapped", string(b))

	_, err = m.Copy(10, 40)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = m.Copy(5, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)

	p := make([]byte, 5)
	n, err := m.ReadAt(p, 13)
	assert.Equal(t, 5, n)
	require.NoError(t, err)
	assert.Equal(t, "world", string(p))

	_, err = m.ReadAt(p, 100)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.dat")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m, err := Open(path, Random)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Size())
	b, err := m.Copy(0, 0)
	require.NoError(t, err)
	assert.Empty(t, b)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestOpenSequential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.dat")
	content := []byte("sequential scans read the whole compound front to back")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	m, err := Open(path, Sequential)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, content, m.Bytes())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), Random)
	assert.Error(t, err)
}
