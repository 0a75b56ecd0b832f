package gpu

import "sync"

// RecycleBin is a producer/consumer queue of deferred deleters, drained
// only on the GPU thread. Any goroutine may enqueue a deleter (e.g. when a
// Storage's last reference is dropped from an arbitrary goroutine); the
// deleters run only when the bin's owner calls Drain from the GPU thread,
// as Pipeline holds no bin and drains none by itself. Grounded on
// original_source/core/nnets/storage.cpp's Storage::free(), which enqueues
// a Deleter into Context::getGpuRecycleBin() instead of calling
// glDeleteTextures directly from whichever thread triggered the free.
type RecycleBin struct {
	mu      sync.Mutex
	pending []func()
}

// NewRecycleBin creates an empty bin.
func NewRecycleBin() *RecycleBin {
	return &RecycleBin{}
}

// Put enqueues a deleter. Safe to call from any goroutine.
func (b *RecycleBin) Put(deleter func()) {
	b.mu.Lock()
	b.pending = append(b.pending, deleter)
	b.mu.Unlock()
}

// Drain runs and clears all pending deleters. Must be called from the GPU
// thread (i.e. from inside a Pipeline.Run callback), since the deleters
// themselves call driver.Texture.Release and friends.
func (b *RecycleBin) Drain() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
