//go:build !unix

package storage

// AlignedMemory falls back to a plain Go byte slice on non-unix targets.
// The mmap-backed alignment guarantee in aligned_memory_unix.go is a
// portability nicety for texSubImage calls with strict alignment
// requirements, not a correctness requirement the engine depends on; a
// slice-backed allocation is intentionally kept as the one stdlib-only
// piece of the storage layer for platforms without golang.org/x/sys/unix
// mmap support (see DESIGN.md).
type AlignedMemory struct {
	data []byte
}

// NewAlignedMemory reserves n zeroed bytes.
func NewAlignedMemory(n int) (AlignedMemory, error) {
	if n == 0 {
		return AlignedMemory{}, nil
	}
	return AlignedMemory{data: make([]byte, n)}, nil
}

// Bytes exposes the underlying memory.
func (m AlignedMemory) Bytes() []byte { return m.data }

// Len returns the size in bytes, 0 for a released or never-allocated block.
func (m AlignedMemory) Len() int { return len(m.data) }

// Release drops the reference to the underlying memory.
func (m *AlignedMemory) Release() {
	m.data = nil
}
