//go:build !unix

package platform

import "fmt"

// NewArena allocates size bytes of zeroed memory.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: arena size %d", size)
	}
	return &Arena{buf: make([]byte, size)}, nil
}

func release(*Arena) error { return nil }
