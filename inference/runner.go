// Package inference implements the Inference Runner of §4.7: a task that
// binds user-supplied bitmaps to operation inputs and drives a Model's
// prepare/execute phases on a scheduler.Pool. Grounded on
// original_source/core/nnets/inference_task.h/.cpp's InferenceTask, a
// GpuTask that locks its registered bitmaps, prepares the model once, and
// executes it on every subsequent run.
package inference

import (
	"context"
	"errors"
	"image"
	"sync"

	ximagedraw "golang.org/x/image/draw"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/model"
	"github.com/lnstadrum/beatmup-sub001/nnets"
	"github.com/lnstadrum/beatmup-sub001/scheduler"
)

// TextureInput is implemented by operations that accept an external
// texture directly (as opposed to a Storage view): nnets.Conv2D's
// image-input path and nnets.ImageSampler. The Runner uses it to upload a
// connected bitmap and bind the resulting texture ahead of every Prepare.
type TextureInput interface {
	nnets.Operation
	SetInputTexture(t driver.Texture, width, height int)
}

// ImageSamplerInput additionally carries the rotation original_source's
// camera pipeline applies ahead of resampling; ImageSampler exposes it as
// a separate setter since it is not part of §6's serialized fields.
type ImageSamplerInput interface {
	TextureInput
	SetRotation(quarterTurns int)
}

// binding records one Connect call: an image locked for read for the
// duration of a run, uploaded to a GPU texture and bound to op's input
// ahead of Prepare/Execute.
type binding struct {
	img image.Image
	mu  *sync.RWMutex
	op  TextureInput
	tex driver.Texture
}

// Runner pairs a model.Model with the chunk store backing its weights and
// drives prepare/execute through a scheduler.Pool, implementing
// scheduler.GPUProcessor. Grounded on InferenceTask; readLock/unlockAll
// become a per-binding sync.RWMutex acquired in BeforeProcessing and
// released in AfterProcessing, matching §5's "content lock held for the
// duration of the job" policy.
type Runner struct {
	model *model.Model
	data  nnets.ChunkSource
	bank  *gpu.Bank

	bindings []*binding

	outputCount int
	lastResults [][]float32
}

// New creates a Runner for model m, whose operations' weights are looked
// up in data.
func New(m *model.Model, data nnets.ChunkSource, bank *gpu.Bank) *Runner {
	return &Runner{model: m, data: data, bank: bank}
}

// Connect registers that img must be read-locked and uploaded to a
// texture bound to op's input before every run. lock, if non-nil, is
// acquired for read for the duration of BeforeProcessing..AfterProcessing;
// pass nil for bitmaps the caller otherwise guarantees are immutable
// during inference.
func (r *Runner) Connect(img image.Image, lock *sync.RWMutex, op TextureInput) {
	r.bindings = append(r.bindings, &binding{img: img, mu: lock, op: op})
}

// ConnectRotated is Connect plus a clockwise quarter-turn rotation applied
// by an ImageSampler ahead of resampling (original_source's camera preview
// pipeline rotates by the device orientation before feeding the network).
func (r *Runner) ConnectRotated(img image.Image, lock *sync.RWMutex, op ImageSamplerInput, quarterTurns int) {
	op.SetRotation(quarterTurns)
	r.Connect(img, lock, op)
}

// AddUserOutput marks op's output index for retrieval after every run,
// forwarding to the underlying Model and returning the index to pass to
// Results.
func (r *Runner) AddUserOutput(op model.OpID, index int) int {
	r.model.AddUserOutput(op, index)
	i := r.outputCount
	r.outputCount++
	return i
}

// Results returns the host-side data of the user output registered at
// index, as produced by the most recently completed run.
func (r *Runner) Results(index int) []float32 {
	if index < 0 || index >= len(r.lastResults) {
		return nil
	}
	return r.lastResults[index]
}

// BeforeProcessing implements scheduler.Task: it read-locks every
// registered bitmap. Grounded on InferenceTask::beforeProcessing's
// readLock calls, which happen ahead of (and independently of) the
// GPU-side upload/prepare step performed in ProcessOnGPU.
func (r *Runner) BeforeProcessing(threadCount int, device driver.Device) {
	for _, b := range r.bindings {
		if b.mu != nil {
			b.mu.RLock()
		}
	}
}

// AfterProcessing implements scheduler.Task: it flushes the GPU and
// releases every lock acquired in BeforeProcessing regardless of whether
// the run completed or was aborted, matching §5's "an aborted task's
// after_processing still runs to release locks" guarantee and
// InferenceTask::afterProcessing's gpu->flush() + unlockAll().
func (r *Runner) AfterProcessing(threadCount int, device driver.Device, aborted bool) {
	if device != nil {
		device.Flush()
	}
	for _, b := range r.bindings {
		if b.mu != nil {
			b.mu.RUnlock()
		}
	}
}

// SetInterrupt implements scheduler.Interruptible: the job's cancellation
// signal is forwarded to the model, which polls it between operations so
// an aborted run returns within one operation's time (§5's suspension
// point, scenario S6).
func (r *Runner) SetInterrupt(done <-chan struct{}) { r.model.SetInterrupt(done) }

// MaxThreads implements scheduler.Task: inference execution is strictly
// sequential in operation order (§5), so a Runner never needs more than
// one worker.
func (r *Runner) MaxThreads() int { return 1 }

// UsesGPU implements scheduler.Task: every model this package drives has
// at least one GPU operation (weights live on GPU textures), so prepare
// and execute both need the GPU thread.
func (r *Runner) UsesGPU() bool { return true }

// ProcessOnGPU implements scheduler.GPUProcessor: it uploads every
// connected bitmap, prepares the model on first run, executes the forward
// pass, and pulls every registered user output back to the host — all
// directly against device, since this already runs on the pool's GPU
// thread. Matches InferenceTask::processOnGPU, which calls
// model.prepare/model.execute in sequence within a single GpuTask.
func (r *Runner) ProcessOnGPU(device driver.Device, threadIdx, threadCount int) (ok bool, err error) {
	for _, b := range r.bindings {
		if err := r.uploadBinding(device, b); err != nil {
			return false, err
		}
	}
	if !r.model.Ready() {
		if err := r.model.PrepareOnDevice(device, r.bank, r.data); err != nil {
			return false, err
		}
	}
	if err := r.model.ExecuteOnDevice(device); err != nil {
		if errors.Is(err, model.ErrInterrupted) {
			return false, nil
		}
		return false, err
	}
	results := make([][]float32, r.outputCount)
	for i := range results {
		data, err := r.model.UserOutputDataOnDevice(device, i)
		if err != nil {
			return false, err
		}
		results[i] = data
	}
	r.lastResults = results
	return true, nil
}

func (r *Runner) uploadBinding(device driver.Device, b *binding) error {
	bounds := b.img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if b.tex == nil {
		t, err := device.NewTexture(w, h, driver.TextureFormatRGBA8)
		if err != nil {
			return beatmuperr.NewRuntimeError("inference: allocating input texture: %v", err)
		}
		b.tex = t
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	ximagedraw.Draw(rgba, rgba.Bounds(), b.img, bounds.Min, ximagedraw.Src)
	b.tex.Upload(image.Pt(0, 0), image.Pt(w, h), rgba.Pix)
	b.op.SetInputTexture(b.tex, w, h)
	return nil
}

// Run submits this Runner to pool and blocks until it completes,
// returning every registered user output's data in AddUserOutput order.
// The synchronous convenience entry point for callers that do not need
// cancellation or concurrent submission; Runner itself satisfies
// scheduler.GPUProcessor for callers that do.
func (r *Runner) Run(pool *scheduler.Pool) ([][]float32, error) {
	job := pool.Submit(context.Background(), r)
	status, err := job.Wait()
	if err != nil {
		return nil, err
	}
	if status == scheduler.StatusAborted {
		return nil, beatmuperr.NewRuntimeError("inference: run aborted")
	}
	out := make([][]float32, r.outputCount)
	for i := range out {
		out[i] = r.Results(i)
	}
	return out, nil
}
