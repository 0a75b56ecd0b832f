//go:build unix

package storage

import "golang.org/x/sys/unix"

// AlignedMemory is page-aligned host memory backing a Storage's CPU-side
// content. Grounded on original_source's AlignedMemory (core/memory), which
// mmaps anonymous pages rather than relying on the allocator's alignment
// guarantees, since pushed/pulled texel data is handed to texSubImage-style
// calls that some drivers require aligned.
type AlignedMemory struct {
	data []byte
}

// NewAlignedMemory reserves n bytes of page-aligned, zeroed memory via an
// anonymous mmap.
func NewAlignedMemory(n int) (AlignedMemory, error) {
	if n == 0 {
		return AlignedMemory{}, nil
	}
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return AlignedMemory{}, err
	}
	return AlignedMemory{data: data}, nil
}

// Bytes exposes the underlying memory.
func (m AlignedMemory) Bytes() []byte { return m.data }

// Len returns the size in bytes, 0 for a released or never-allocated block.
func (m AlignedMemory) Len() int { return len(m.data) }

// Release unmaps the memory. Safe to call on a zero-value AlignedMemory.
func (m *AlignedMemory) Release() {
	if m.data == nil {
		return
	}
	unix.Munmap(m.data)
	m.data = nil
}
