//go:build unix

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewArena maps size bytes of zeroed anonymous memory.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: arena size %d", size)
	}
	buf, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("platform: failed to mmap code arena: %w", err)
	}
	return &Arena{buf: buf, mapped: true}, nil
}

func release(a *Arena) error {
	if err := unix.Munmap(a.buf); err != nil {
		return fmt.Errorf("platform: munmap code arena: %w", err)
	}
	return nil
}
