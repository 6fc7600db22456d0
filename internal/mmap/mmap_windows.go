//go:build windows

package mmap

import (
	"io"
	"os"
)

// Windows has no unix.Mmap; fall back to reading the file into memory.
// Blob reads are sequential decode passes, so the copy is acceptable.
func mmap(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func munmap(data []byte) error {
	return nil
}
