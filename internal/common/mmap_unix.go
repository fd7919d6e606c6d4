//go:build !windows
// +build !windows

package common

import (
	"os"

	"golang.org/x/sys/unix"
)

// MmapFile memory maps a file read-only for zero-copy access.
func MmapFile(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, NewError(ErrIO, err, "stat file for mmap")
	}
	size := fi.Size()
	if size == 0 {
		return []byte{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, NewError(ErrIO, err, "mmap")
	}
	return data, nil
}

// MunmapFile unmaps memory previously returned by MmapFile.
func MunmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return NewError(ErrIO, err, "munmap")
	}
	return nil
}
