package gpu

import (
	"fmt"

	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// Bank shares compiled programs across operations, deduplicating by
// source name. Accessed as bank.Get(device, source, compute); release with
// bank.Release(handle). Grounded on gioui.org/gpu/caches.go's
// resourceCache, generalized from a per-frame generation cache to
// reference counting because operations, unlike gio's per-frame draw
// ops, hold onto a program for the lifetime of a prepared Model.
//
// All Bank methods must be called from the GPU thread (i.e. from inside
// a Pipeline.Run callback); Bank itself performs no locking.
type Bank struct {
	entries map[string]*entry
}

type entry struct {
	program  driver.Program
	refCount int
}

// NewBank creates an empty program bank.
func NewBank() *Bank {
	return &Bank{entries: make(map[string]*entry)}
}

// Handle is a reference-counted program handle returned by Bank.Get.
type Handle struct {
	key     string
	Program driver.Program
}

// Get compiles source (or returns the existing compiled program if one
// with the same Name already lives in the bank) and increments its
// reference count.
func (b *Bank) Get(device driver.Device, source driver.ShaderSource, compute bool) (Handle, error) {
	if e, ok := b.entries[source.Name]; ok {
		e.refCount++
		return Handle{key: source.Name, Program: e.program}, nil
	}
	var (
		p   driver.Program
		err error
	)
	if compute {
		p, err = device.CompileCompute(source)
	} else {
		p, err = device.Compile(source)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("gpu: compiling program %q: %w", source.Name, err)
	}
	b.entries[source.Name] = &entry{program: p, refCount: 1}
	return Handle{key: source.Name, Program: p}, nil
}

// Release drops a reference to h. When the count reaches zero the program
// is destroyed.
func (b *Bank) Release(h Handle) {
	e, ok := b.entries[h.key]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		e.program.Release()
		delete(b.entries, h.key)
	}
}

// Len reports how many distinct programs are currently held, for tests.
func (b *Bank) Len() int { return len(b.entries) }
