//go:build windows || plan9 || js || wasip1

package mmap

import (
	"io"
	"os"
)

// Platforms without a usable mmap read the file into memory. The access hint
// has nothing to tune there.
func mapFile(f *os.File, size int, _ Access) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func unmapFile([]byte) error { return nil }
