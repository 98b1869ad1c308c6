//go:build !windows && !plan9 && !js && !wasip1

package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Content files are never rewritten once their compound exists, so a private
// mapping observes the same bytes a shared one would.
func mapFile(f *os.File, size int, access Access) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	advice := unix.MADV_RANDOM
	if access == Sequential {
		advice = unix.MADV_SEQUENTIAL
	}
	// Advice is only a hint; a kernel that rejects it still serves the pages.
	_ = unix.Madvise(data, advice)
	return data, nil
}

func unmapFile(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
