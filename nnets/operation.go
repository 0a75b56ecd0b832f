// Package nnets implements the operations (layers) that make up an
// inference graph: Conv2D, Pooling2D, Dense, ImageSampler and Softmax.
// Grounded on original_source/core/nnets/operation.h's AbstractOperation
// and its concrete subclasses.
package nnets

import (
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

// Operation is one node of an inference graph. Implementations are built
// in a deferred fashion: Prepare compiles/allocates everything GPU-side
// and is only ever called once per Model.Prepare(); Execute may run many
// times afterwards. Grounded on AbstractOperation, generalized from
// virtual dispatch plus ad-hoc accept*/getOutput(T*&) overloads to a
// smaller, typed Go interface plus the optional CPUOperation extension.
type Operation interface {
	// Name returns the operation's identifier within its Model.
	Name() string

	// UsesGPU reports whether Execute must run on the GPU thread.
	UsesGPU() bool

	InputCount() int
	OutputCount() int

	// AcceptsStorageInput/Output report which input/output indices bind
	// to a storage.View as opposed to a raw texture or flat vector.
	AcceptsStorageInput(index int) bool
	AcceptsStorageOutput(index int) bool
	AcceptsTextureInput(index int) bool

	// OutputSize returns the shape Model.prepare must allocate for a
	// given output, before SetOutput binds the actual storage.
	OutputSize(outputIndex int) storage.Size

	// InputPadding returns the spatial zero-padding a given input must
	// carry so this operation can sample its neighborhood without
	// reading out of bounds.
	InputPadding(index int) int

	// SampledChannels returns the [min, max] range of channels this
	// operation may sample simultaneously from a given input, used by
	// Model.prepare to cap per-texture channel packing.
	SampledChannels(index int) (min, max int)

	SetStorageInput(index int, view storage.View)
	SetStorageOutput(index int, view storage.View)
	StorageOutput(index int) storage.View

	// Prepare compiles GLSL programs (through bank) and precomputes any
	// constant data, given the chunk store backing this operation's
	// weights. Must run on the GPU thread.
	Prepare(device driver.Device, bank *gpu.Bank, data ChunkSource) error

	// Execute runs the operation, sampling its bound inputs and writing
	// its bound outputs. For GPU operations this runs on the GPU thread;
	// for CPU operations the scheduler may split it across threads (see
	// CPUOperation).
	Execute(device driver.Device) error

	// Disconnect clears all input/output bindings, releasing any
	// reference this operation holds on its connected storages.
	Disconnect()

	// MultiplyAdds approximates the operation's per-inference multiply-add
	// count, for model-level cost reporting.
	MultiplyAdds() uint64

	// Serialize returns the operation's field set for textual model
	// serialization (package serialize).
	Serialize() map[string]string
}

// ChunkSource looks up operation data (weights, biases) by chunk id,
// matching original_source's ChunkCollection lookup-by-name contract.
type ChunkSource interface {
	Chunk(id string) ([]byte, bool)
}

// CPUOperation is implemented by operations executed on a CPU worker pool
// instead of the GPU thread (currently only Softmax). Grounded on
// operation.h's CpuOperation, generalized from its thread-sliced execute
// to the scheduler's Job abstraction.
type CPUOperation interface {
	Operation
	// AmountOfWork returns the total units of work available to split
	// across worker threads.
	AmountOfWork() int
	// BeforeExecute runs once, before any ExecuteSlice call, with the
	// number of worker threads about to be used.
	BeforeExecute(threadCount int)
	// ExecuteSlice processes [sliceStart, sliceStop) out of AmountOfWork
	// total units, on worker threadIdx of threadCount.
	ExecuteSlice(sliceStart, sliceStop, threadIdx, threadCount int)
	// AfterExecute runs once, after every ExecuteSlice call has returned.
	AfterExecute(threadCount int)
}

// HostInputOperation is implemented by CPU operations whose input storage
// must be pulled to the host before ExecuteSlice can run (currently only
// Softmax). The runner pulls InputView() through the GPU pipeline and
// hands the result to SetInputData ahead of the CPU phase.
type HostInputOperation interface {
	CPUOperation
	InputView() storage.View
	SetInputData(data []float32)
}

// TextureProducer is implemented by operations whose output is a raw GPU
// texture rather than a Storage (currently only ImageSampler). Model.Prepare
// uses it to wire a graph connection landing on a TextureConsumer's input
// directly, without an intervening Storage.
type TextureProducer interface {
	Operation
	OutputTexture() driver.Texture
}

// TextureConsumer is implemented by operations that bind an external
// texture directly to one of their inputs in place of a storage.View
// (Conv2D's image-input path, and ImageSampler itself when chained after
// another TextureProducer).
type TextureConsumer interface {
	Operation
	SetInputTexture(t driver.Texture, width, height int)
}
