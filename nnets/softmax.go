package nnets

import (
	"math"

	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

// Softmax is a sink: it has no output, converting its input feature
// vector into a probability distribution retrieved through Probabilities.
// Runs on CPU. Grounded on
// original_source/core/nnets/softmax.h/.cpp's Softmax / CpuOperation.
//
// The input feature vector must be pulled from GPU memory to the host
// before Execute runs (see inference.Runner, which pulls any storage
// feeding a CPU operation ahead of the CPU phase); SetInputData supplies
// that pulled slice directly rather than Softmax reaching across to the
// GPU thread itself.
type Softmax struct {
	name  string
	input storage.View

	data   []float32
	output []float32
}

// NewSoftmax constructs a softmax sink operation.
func NewSoftmax(name string) *Softmax {
	if name == "" {
		name = "Softmax"
	}
	return &Softmax{name: name}
}

func (s *Softmax) Name() string  { return s.name }
func (s *Softmax) UsesGPU() bool { return false }

func (s *Softmax) InputCount() int  { return 1 }
func (s *Softmax) OutputCount() int { return 0 }

func (s *Softmax) AcceptsStorageInput(index int) bool  { return index == 0 }
func (s *Softmax) AcceptsStorageOutput(index int) bool { return false }
func (s *Softmax) AcceptsTextureInput(index int) bool  { return false }

func (s *Softmax) OutputSize(outputIndex int) storage.Size { return storage.Empty }
func (s *Softmax) InputPadding(index int) int              { return 0 }
func (s *Softmax) SampledChannels(index int) (int, int)    { return 0, 0 }

func (s *Softmax) SetStorageInput(index int, view storage.View)  { s.input = view }
func (s *Softmax) SetStorageOutput(index int, view storage.View) {}
func (s *Softmax) StorageOutput(index int) storage.View          { return storage.View{} }

func (s *Softmax) Disconnect() { s.input = storage.View{} }

func (s *Softmax) Prepare(device driver.Device, bank *gpu.Bank, data ChunkSource) error {
	s.output = make([]float32, s.input.Depth())
	return nil
}

// InputView exposes the bound input view so a runner can pull it to the
// host before Execute; see HostInputOperation.
func (s *Softmax) InputView() storage.View { return s.input }

// SetInputData supplies the host-side feature vector pulled from the
// bound storage, in the view's own channel ordering.
func (s *Softmax) SetInputData(data []float32) { s.data = data }

// Probabilities returns the result of the last Execute.
func (s *Softmax) Probabilities() []float32 { return s.output }

// AmountOfWork is the whole vector: the numerically stable softmax needs a
// max-then-sum pass over the entire input before any output can be
// written, so there is nothing to usefully slice across threads.
func (s *Softmax) AmountOfWork() int { return 1 }

func (s *Softmax) BeforeExecute(threadCount int) {}

func (s *Softmax) ExecuteSlice(sliceStart, sliceStop, threadIdx, threadCount int) {
	if len(s.output) != len(s.data) {
		s.output = make([]float32, len(s.data))
	}
	maxVal := float32(math.Inf(-1))
	for _, v := range s.data {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range s.data {
		e := float32(math.Exp(float64(v - maxVal)))
		s.output[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range s.output {
		s.output[i] /= sum
	}
}

func (s *Softmax) AfterExecute(threadCount int) {}

func (s *Softmax) Execute(device driver.Device) error { return nil }

func (s *Softmax) MultiplyAdds() uint64 { return 0 }

func (s *Softmax) Serialize() map[string]string {
	return map[string]string{"type": "Softmax"}
}
