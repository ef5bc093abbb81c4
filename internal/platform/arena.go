// Package platform provides the backing memory of the code cache.
package platform

import "sync"

// Arena is a fixed block of memory the code cache lays compiled methods
// out in. The code is addressed by the cache's own address space, not by
// where the arena happens to be mapped.
type Arena struct {
	mu     sync.Mutex
	buf    []byte
	mapped bool
}

// Bytes returns the whole arena.
func (a *Arena) Bytes() []byte { return a.buf }

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.buf) }

// Mapped reports whether the arena is an anonymous mapping rather than a
// heap slice.
func (a *Arena) Mapped() bool { return a.mapped }

// Close releases the arena. It is safe to call more than once.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil
	}
	err := release(a)
	a.buf = nil
	return err
}
