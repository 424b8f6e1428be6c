//go:build unix

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// reserveRegion maps an anonymous region of the given number of words. The
// region lives outside the Go heap: it only ever holds Refs, never Go
// pointers.
func reserveRegion(words int) ([]uint64, func() error, error) {
	b, err := unix.Mmap(-1, 0, words*wordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("could not map heap region of %d bytes: %w", words*wordSize, err)
	}
	region := unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), words)
	release := func() error {
		return unix.Munmap(b)
	}
	return region, release, nil
}
