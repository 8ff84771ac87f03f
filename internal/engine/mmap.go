//go:build unix

package engine

import (
	"errors"

	"golang.org/x/sys/unix"
)

// mmapCodeSegment copies the code into a fresh region which is then made read-only and executable.
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func mmapCodeSegment(code []byte) ([]byte, error) {
	if len(code) == 0 {
		panic(errors.New("BUG: mmapCodeSegment with zero length"))
	}
	seg, err := unix.Mmap(
		-1,
		0,
		len(code),
		// The region must be RW at first to write the code.
		unix.PROT_READ|unix.PROT_WRITE,
		// Anonymous as this is not an actual file, but a memory,
		// Private as this is in-process memory region.
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, err
	}
	copy(seg, code)

	// Then we're done with writing code, change the permission to RX.
	if err = unix.Mprotect(seg, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(seg)
		return nil, err
	}
	return seg, nil
}

// munmapCodeSegment unmaps the given memory region.
func munmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: munmapCodeSegment with zero length"))
	}
	return unix.Munmap(code)
}
