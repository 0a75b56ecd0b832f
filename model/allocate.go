package model

import (
	"golang.org/x/exp/slices"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/nnets"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

// slot tracks one allocated storage and how many pending (op, input)
// connections still need to read it before it becomes reusable. Grounded
// on Model::prepare's `refs` multimap (model.cpp:143-336); kept as a
// deterministic slice, never a Go map, so the reuse search always visits
// candidates in allocation order — see SPEC_FULL.md §9's note on why this
// must not be left to incidental map iteration order the way the
// original's std::map of pointers was.
type slot struct {
	storage *storage.Storage
	pending int
}

// Prepare allocates (or reuses) the storages backing every operation's
// output, wires every connection, and compiles each operation's GPU
// programs. Must run once per Model; ready becomes true on success.
//
// This is a two-pass port of Model::prepare: pass one walks every
// connection to compute, per producing (op, output), the maximum input
// padding any consumer requires, plus the widest channel count any
// consumer samples at once, capped at the sampler limit; pass two turns
// the part of that count beyond the output's own depth into reserved
// channels (a simplified depth-capping step: the excess is not
// distributed across a consumer's several inputs) and walks
// the topological order allocating a storage per output (reusing a free,
// appropriately sized and padded slot when one exists) and binding views
// into every operation.
func (m *Model) Prepare(pipeline *gpu.Pipeline, bank *gpu.Bank, data nnets.ChunkSource) error {
	var prepareErr error
	pipeline.Run(func(device driver.Device) {
		prepareErr = m.PrepareOnDevice(device, bank, data)
	})
	return prepareErr
}

// PrepareOnDevice runs the same allocation/compilation pass as Prepare,
// but directly against device instead of going through a Pipeline.Run
// round trip. Callers that are already executing on the GPU thread (e.g.
// package inference's Runner, invoked from inside a scheduler.Pool job
// that already holds the GPU thread) must call this instead of Prepare:
// nesting a second Pipeline.Run from within the first would deadlock,
// since both would block on the same single-worker channel.
func (m *Model) PrepareOnDevice(device driver.Device, bank *gpu.Bank, data nnets.ChunkSource) error {
	order, err := m.topologicalOrder()
	if err != nil {
		return err
	}

	maxChannels := 4 * device.GetLimit(driver.LimitTextureImageUnits)

	requiredPad := make([]int, len(m.ops))
	maxSampled := make([]int, len(m.ops))
	refsNeeded := make([]int, len(m.ops))
	for src := 0; src < len(m.ops); src++ {
		for _, c := range m.connections[OpID(src)] {
			dest := m.ops[c.Dest]
			if pad := dest.InputPadding(c.Input); pad > requiredPad[src] {
				requiredPad[src] = pad
			}
			if _, sampledMax := dest.SampledChannels(c.Input); sampledMax > 0 {
				if sampledMax > maxChannels {
					sampledMax = maxChannels
				}
				if sampledMax > maxSampled[src] {
					maxSampled[src] = sampledMax
				}
			}
			refsNeeded[src]++
		}
	}
	for _, uo := range m.userOutputs {
		refsNeeded[uo.Op]++
	}

	var slots []*slot
	outputView := make([]storage.View, len(m.ops))
	outputStorage := make([]*storage.Storage, len(m.ops))

	m.preparingProgress.Reset(len(order))
	for _, id := range order {
		op := m.ops[id]

		// boundInputs collects every storage just bound as one of this
		// op's own inputs. consumeSlot below may drop one of them to
		// pending == 0 (this op is its last reader), which would make it
		// look reusable — but it cannot be reused as this same op's
		// output: a draw cannot sample and write the same texture at
		// once. findReusable excludes these explicitly.
		var boundInputs []*storage.Storage
		for src := 0; src < len(m.ops); src++ {
			for _, c := range m.connections[OpID(src)] {
				if c.Dest != id {
					continue
				}
				if op.AcceptsTextureInput(c.Input) {
					producer, ok := m.ops[src].(nnets.TextureProducer)
					if !ok {
						return beatmuperr.NewRuntimeError("model: %s input %d expects a texture but %s produces a storage", op.Name(), c.Input, m.ops[src].Name())
					}
					consumer, ok := op.(nnets.TextureConsumer)
					if !ok {
						return beatmuperr.NewRuntimeError("model: %s does not accept a bound texture input", op.Name())
					}
					srcSize := m.ops[src].OutputSize(c.Output)
					consumer.SetInputTexture(producer.OutputTexture(), srcSize.W, srcSize.H)
					continue
				}
				view := outputView[src]
				if c.Shuffle != 0 {
					view = storage.NewShuffleView(outputStorage[src], c.Shuffle)
				}
				op.SetStorageInput(c.Input, view)
				m.consumeSlot(slots, outputStorage[src])
				boundInputs = append(boundInputs, outputStorage[src])
			}
		}

		if op.AcceptsStorageOutput(0) {
			// the output size is known only now that this op's inputs
			// are bound, so the reserved channels are derived here
			size := op.OutputSize(0)
			pad := requiredPad[id]
			reserved := max(0, maxSampled[id]-size.D)
			st, reused := m.findReusable(slots, size, pad, boundInputs)
			if !reused {
				var err error
				if size.W == 1 && size.H == 1 && pad == 0 && reserved == 0 {
					// a 1x1 spatial output is a plain feature vector;
					// column-stack it into a single texture (Dense input
					// layout) instead of spreading quads across textures.
					st, err = storage.NewFlat(size.D)
				} else {
					st, err = storage.New(device, size, pad, reserved)
				}
				if err != nil {
					return err
				}
				if err := st.AllocateGPU(device); err != nil {
					return err
				}
				m.storages = append(m.storages, st)
				slots = append(slots, &slot{storage: st})
			}
			if i := slices.IndexFunc(slots, func(sl *slot) bool { return sl.storage == st }); i >= 0 {
				slots[i].pending = refsNeeded[id]
			}
			view := storage.NewView(st)
			op.SetStorageOutput(0, view)
			outputView[id] = view
			outputStorage[id] = st
		}

		if err := op.Prepare(device, bank, data); err != nil {
			return err
		}
		m.preparingProgress.Increment()
	}

	m.opStorage = outputStorage
	m.ready = true
	return nil
}

// consumeSlot decrements the pending-reader count of the slot backed by
// st, making it eligible for reuse once it reaches zero.
func (m *Model) consumeSlot(slots []*slot, st *storage.Storage) {
	if st == nil {
		return
	}
	if i := slices.IndexFunc(slots, func(sl *slot) bool { return sl.storage == st }); i >= 0 {
		slots[i].pending--
	}
}

// findReusable searches slots, in allocation order, for a free storage
// (pending == 0) whose size matches exactly and whose padding is at least
// what's required, excluding any storage in exclude (the consuming op's
// own bound inputs, which cannot double as its output).
func (m *Model) findReusable(slots []*slot, size storage.Size, pad int, exclude []*storage.Storage) (*storage.Storage, bool) {
	i := slices.IndexFunc(slots, func(sl *slot) bool {
		if sl.pending != 0 || sl.storage.Size() != size || sl.storage.Padding() < pad {
			return false
		}
		for _, ex := range exclude {
			if sl.storage == ex {
				return false
			}
		}
		return true
	})
	if i < 0 {
		return nil, false
	}
	return slots[i].storage, true
}

// UserOutputData pulls and returns the data behind a registered user
// output, by index into the order AddUserOutput was called.
func (m *Model) UserOutputData(pipeline *gpu.Pipeline, index int) ([]float32, error) {
	var data []float32
	var err error
	pipeline.Run(func(device driver.Device) {
		data, err = m.UserOutputDataOnDevice(device, index)
	})
	return data, err
}

// UserOutputDataOnDevice is UserOutputData's direct-device counterpart,
// for callers already running on the GPU thread.
func (m *Model) UserOutputDataOnDevice(device driver.Device, index int) ([]float32, error) {
	if index < 0 || index >= len(m.userOutputs) {
		return nil, beatmuperr.NewInvalidArgument("model: user output index %d out of range", index)
	}
	uo := m.userOutputs[index]
	if int(uo.Op) >= len(m.opStorage) || m.opStorage[uo.Op] == nil {
		return nil, beatmuperr.NewRuntimeError("model: user output %d has no backing storage", index)
	}
	return m.opStorage[uo.Op].Pull(device)
}

// Close releases every storage the model allocated.
func (m *Model) Close() {
	for _, st := range m.storages {
		st.Free(m.bin)
	}
	m.storages = nil
}
