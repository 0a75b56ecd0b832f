// Package gpu provides the single GPU-owning worker (Pipeline) and the
// program bank (Bank) that sit on top of a driver.Device. Every GL-facing
// call in the engine — shader compilation, texture allocation, binding,
// drawing — is funneled through a Pipeline so it always executes on the
// one goroutine that owns the underlying context, mirroring
// gioui.org/app/loop.go's renderLoop.
package gpu

import (
	"fmt"
	"runtime"

	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// Pipeline owns a driver.Device on a dedicated, locked OS thread and
// executes submitted functions on it one at a time, in submission order.
// This is the "Graphics Pipeline Abstraction" of SPEC_FULL.md §4.1: every
// other package talks to the GPU exclusively through a *Pipeline, never
// through a driver.Device directly, so GL affinity can never be violated
// by construction.
type Pipeline struct {
	device  driver.Device
	work    chan func()
	done    chan struct{}
	ownerID uint64 // debugging aid; not used for correctness
}

// New starts the pipeline's worker goroutine, locking it to an OS thread
// for the remainder of the process. gioui.org/app/loop.go never unlocks
// its GL thread either, to avoid the Go runtime handing the OS thread to
// unrelated goroutines once GL state has been bound to it.
func New(device driver.Device) *Pipeline {
	p := &Pipeline{
		device: device,
		work:   make(chan func()),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Pipeline) loop() {
	runtime.LockOSThread()
	defer close(p.done)
	for fn := range p.work {
		fn()
	}
}

// Run executes fn on the GPU thread and blocks until it returns. It is the
// only way any other package touches the underlying driver.Device.
func (p *Pipeline) Run(fn func(driver.Device)) {
	done := make(chan struct{})
	p.work <- func() {
		defer close(done)
		fn(p.device)
	}
	<-done
}

// Close stops the worker goroutine. No further calls to Run are valid
// afterwards.
func (p *Pipeline) Close() {
	close(p.work)
	<-p.done
}

// Device exposes the underlying device for packages that need to query
// capabilities off the GPU thread (limits never change after creation, so
// this one read is safe without going through Run).
func (p *Pipeline) Device() driver.Device { return p.device }

// MustRun is Run with a convenience error return, for callers that just
// want the single error produced by fn.
func (p *Pipeline) MustRun(fn func(driver.Device) error) error {
	var err error
	p.Run(func(d driver.Device) {
		err = fn(d)
	})
	if err != nil {
		return fmt.Errorf("gpu: %w", err)
	}
	return nil
}
