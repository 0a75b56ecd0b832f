// Package scheduler runs cooperative, cancellable jobs across a pool of
// CPU worker goroutines plus the single GPU-owning worker from package
// gpu, barrier-synchronizing each job's before/process/after phases.
// Grounded on original_source/core/nnets/inference_task.h's InferenceTask
// (itself a GpuTask) generalized from Beatmup's C++ task-pool machinery,
// and on gioui.org/app/loop.go's channel-driven worker pattern for the
// GPU-affine half.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// JobStatus mirrors AbstractTask's run-to-completion states.
type JobStatus int

const (
	StatusPending JobStatus = iota
	StatusRunning
	StatusDone
	// StatusAborted is a status, not an error: a cancelled job is not a
	// fault, it is a cooperative stop observed at the next suspension
	// point (§5).
	StatusAborted
)

// Task is the part of §4.6's AbstractTask every schedulable unit of work
// implements. A Task additionally implements CPUProcessor, GPUProcessor,
// or both, depending on UsesGPU/used_devices — mirroring the spec's
// `process(thread)` or `process_on_gpu(gpu, thread)` choice, rather than
// forcing every task through a single signature that would need a nil
// device for CPU-only work.
type Task interface {
	// MaxThreads bounds how many workers this task can use; 1 means
	// single-threaded.
	MaxThreads() int
	// UsesGPU reports whether this task's processing phase needs the
	// pool's GPU thread (used_devices == GPU_ONLY or CPU_OR_GPU).
	UsesGPU() bool

	// BeforeProcessing runs once, before any Process/ProcessOnGPU call,
	// on the GPU thread if UsesGPU, otherwise on an arbitrary worker.
	BeforeProcessing(threadCount int, device driver.Device)
	// AfterProcessing runs once, after every Process/ProcessOnGPU call has
	// returned, and always runs even if the job was aborted (§7: "an
	// aborted task's after_processing still runs to release locks").
	AfterProcessing(threadCount int, device driver.Device, aborted bool)
}

// CPUProcessor is implemented by tasks whose processing phase runs off
// the GPU thread, split across up to MaxThreads workers.
type CPUProcessor interface {
	Task
	// Process runs one worker's share of the task. Returning ok=false
	// requests cooperative abortion; a non-nil err fails the whole job
	// (propagated to the submitting goroutine and any TaskListener).
	Process(threadIdx, threadCount int) (ok bool, err error)
}

// GPUProcessor is implemented by tasks whose processing phase must run on
// the pool's single GPU-owning thread.
type GPUProcessor interface {
	Task
	ProcessOnGPU(device driver.Device, threadIdx, threadCount int) (ok bool, err error)
}

// Interruptible is implemented by tasks that can observe cancellation
// between internal steps of a single processing call (§5's "between
// operations during execute" suspension point). The pool hands such tasks
// the job's cancellation signal ahead of each execution.
type Interruptible interface {
	SetInterrupt(done <-chan struct{})
}

// TaskListener receives a callback when a submitted task's processing
// phase fails with an error (as opposed to a cooperative abort), matching
// §7's "a task listener receives task_fail(pool, task, error)".
type TaskListener interface {
	TaskFailed(pool *Pool, task Task, err error)
}

// Pool owns a fixed set of CPU worker goroutines plus the single GPU
// pipeline, and runs Tasks across them with barrier phases. Jobs from the
// same pool execute in submission order (§4.6's ordering guarantee): Pool
// serializes Submit's work with an internal queue goroutine rather than
// letting callers race directly on p.mu, so abort/repeat semantics can
// observe a well-defined "current job".
type Pool struct {
	pipeline   *gpu.Pipeline
	cpuWorkers int
	listener   TaskListener

	mu      sync.Mutex
	jobs    []*Job
	queueCh chan *Job
}

// NewPool creates a pool with cpuWorkers CPU-side goroutines (in addition
// to the GPU pipeline's own worker, which always exists separately) and
// starts its submission-order dispatch loop.
func NewPool(pipeline *gpu.Pipeline, cpuWorkers int, listener TaskListener) *Pool {
	if cpuWorkers < 1 {
		cpuWorkers = 1
	}
	p := &Pool{pipeline: pipeline, cpuWorkers: cpuWorkers, listener: listener, queueCh: make(chan *Job, 64)}
	go p.dispatchLoop()
	return p
}

// Job is a handle on one Submit call. A persistent job stays pending
// across executions and only completes once aborted or failed.
type Job struct {
	task   Task
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	persistent      bool
	repeatRequested bool

	status JobStatus
	err    error
	done   chan struct{}
}

// Wait blocks until the job completes, returning its terminal status and
// any error raised by the task.
func (j *Job) Wait() (JobStatus, error) {
	<-j.done
	return j.status, j.err
}

// Status returns the job's current status without blocking.
func (j *Job) Status() JobStatus {
	select {
	case <-j.done:
		return j.status
	default:
		return StatusPending
	}
}

func (p *Pool) dispatchLoop() {
	for job := range p.queueCh {
		p.runJob(job)
	}
}

func (p *Pool) runJob(job *Job) {
	task := job.task
	threadCount := task.MaxThreads()
	if threadCount < 1 {
		threadCount = 1
	}
	if !task.UsesGPU() && threadCount > p.cpuWorkers {
		threadCount = p.cpuWorkers
	}

	job.status = StatusRunning

	if it, ok := task.(Interruptible); ok {
		it.SetInterrupt(job.ctx.Done())
	}

	var taskErr error
	aborted := false

	runPhase := func(device driver.Device) {
		task.BeforeProcessing(threadCount, device)

		select {
		case <-job.ctx.Done():
			aborted = true
		default:
			if gp, ok := task.(GPUProcessor); ok && task.UsesGPU() {
				aborted, taskErr = runGPU(job.ctx, gp, device, threadCount)
			} else if cp, ok := task.(CPUProcessor); ok {
				aborted, taskErr = runCPU(job.ctx, cp, threadCount)
			}
		}

		task.AfterProcessing(threadCount, device, aborted || taskErr != nil)
	}

	if task.UsesGPU() {
		p.pipeline.Run(runPhase)
	} else {
		runPhase(nil)
	}

	p.mu.Lock()
	repeat := job.repeatRequested
	job.repeatRequested = false
	again := taskErr == nil && (repeat || (job.persistent && !aborted))
	if again && job.ctx.Err() != nil {
		if repeat {
			// A Repeat with abortCurrent cancelled the in-flight run; the
			// promised extra execution needs a live context.
			job.ctx, job.cancel = context.WithCancel(job.parent)
		} else {
			// A persistent job aborted mid-run stops re-enqueueing.
			again = false
			aborted = true
		}
	}
	p.mu.Unlock()

	if again {
		go func() { p.queueCh <- job }()
		return
	}

	switch {
	case taskErr != nil:
		job.status = StatusDone
		job.err = taskErr
		if p.listener != nil {
			p.listener.TaskFailed(p, task, taskErr)
		}
	case aborted:
		job.status = StatusAborted
	default:
		job.status = StatusDone
	}
	close(job.done)
}

func runGPU(ctx context.Context, task GPUProcessor, device driver.Device, threadCount int) (aborted bool, err error) {
	var wg sync.WaitGroup
	oks := make([]bool, threadCount)
	errs := make([]error, threadCount)
	for i := 0; i < threadCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				oks[idx] = false
			default:
				oks[idx], errs[idx] = task.ProcessOnGPU(device, idx, threadCount)
			}
		}(i)
	}
	wg.Wait()
	return collect(oks, errs)
}

func runCPU(ctx context.Context, task CPUProcessor, threadCount int) (aborted bool, err error) {
	var wg sync.WaitGroup
	oks := make([]bool, threadCount)
	errs := make([]error, threadCount)
	for i := 0; i < threadCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				oks[idx] = false
			default:
				oks[idx], errs[idx] = task.Process(idx, threadCount)
			}
		}(i)
	}
	wg.Wait()
	return collect(oks, errs)
}

func collect(oks []bool, errs []error) (aborted bool, err error) {
	for i, ok := range oks {
		if errs[i] != nil && err == nil {
			err = errs[i]
		}
		if !ok && errs[i] == nil {
			aborted = true
		}
	}
	return aborted, err
}

// Submit enqueues task for execution and returns immediately with a Job
// handle; jobs from the same Pool run in submission order.
func (p *Pool) Submit(ctx context.Context, task Task) *Job {
	return p.submit(ctx, task, false)
}

// SubmitPersistent enqueues task and re-enqueues it automatically after
// each completed execution, interleaving with other submitted jobs, until
// the job is aborted or the task fails. The returned Job stays pending
// across executions; Wait returns only once the job stops for good.
func (p *Pool) SubmitPersistent(ctx context.Context, task Task) *Job {
	return p.submit(ctx, task, true)
}

func (p *Pool) submit(ctx context.Context, task Task, persistent bool) *Job {
	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		task:       task,
		parent:     ctx,
		ctx:        jobCtx,
		cancel:     cancel,
		persistent: persistent,
		done:       make(chan struct{}),
	}
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	p.queueCh <- job
	return job
}

// Repeat ensures one more execution of task after the current one. If
// task's most recent job is still in flight it is marked to run again on
// completion — cancelled right away when abortCurrent is set — and that
// job is returned; otherwise task is simply submitted afresh.
func (p *Pool) Repeat(ctx context.Context, task Task, abortCurrent bool) *Job {
	p.mu.Lock()
	for i := len(p.jobs) - 1; i >= 0; i-- {
		j := p.jobs[i]
		if j.task != task {
			continue
		}
		select {
		case <-j.done:
		default:
			j.repeatRequested = true
			cancel := j.cancel
			p.mu.Unlock()
			if abortCurrent {
				cancel()
			}
			return j
		}
		break
	}
	p.mu.Unlock()
	return p.Submit(ctx, task)
}

// Perform runs task to completion synchronously, returning the wall-clock
// duration it took.
func (p *Pool) Perform(ctx context.Context, task Task) (time.Duration, error) {
	start := timeNow()
	job := p.Submit(ctx, task)
	_, err := job.Wait()
	return timeNow().Sub(start), err
}

// Abort requests cooperative cancellation of job; the job's
// AfterProcessing still runs. The pool checks for cancellation before each
// processing call, and Interruptible tasks receive the signal too; a
// processing call already under way is not stopped by the pool, so a
// non-persistent job whose call then completes normally reports
// StatusDone rather than StatusAborted.
func (p *Pool) Abort(job *Job) {
	p.mu.Lock()
	cancel := job.cancel
	p.mu.Unlock()
	cancel()
}

// WaitFor blocks until job completes.
func (p *Pool) WaitFor(job *Job) (JobStatus, error) { return job.Wait() }

// WaitAll blocks until every job submitted so far has completed.
func (p *Pool) WaitAll() {
	p.mu.Lock()
	jobs := append([]*Job(nil), p.jobs...)
	p.mu.Unlock()
	for _, j := range jobs {
		<-j.done
	}
}

// Busy reports whether any submitted job has not yet completed.
func (p *Pool) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, j := range p.jobs {
		select {
		case <-j.done:
		default:
			return true
		}
	}
	return false
}

// Check returns the error of the most recently completed failing job, if
// any, without blocking — a lightweight poll for callers that don't want
// to hold onto every Job handle themselves.
func (p *Pool) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.jobs) - 1; i >= 0; i-- {
		j := p.jobs[i]
		select {
		case <-j.done:
			if j.err != nil {
				return j.err
			}
		default:
		}
	}
	return nil
}

// timeNow is a thin indirection so Perform's duration measurement is the
// only place package time touches wall-clock time, kept separate from any
// future deterministic-clock testing hook.
func timeNow() time.Time { return time.Now() }
