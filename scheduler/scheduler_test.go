package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/gpu/sim"
)

// recordingTask is a single-threaded CPU task that records when it ran and
// optionally blocks until released, letting tests control ordering.
type recordingTask struct {
	id      int
	log     *[]int
	mu      *sync.Mutex
	release chan struct{}
	before  func()
	fail    error
}

func (t *recordingTask) MaxThreads() int { return 1 }
func (t *recordingTask) UsesGPU() bool   { return false }
func (t *recordingTask) BeforeProcessing(threadCount int, device driver.Device) {
	if t.before != nil {
		t.before()
	}
}
func (t *recordingTask) AfterProcessing(threadCount int, device driver.Device, aborted bool) {}
func (t *recordingTask) Process(threadIdx, threadCount int) (bool, error) {
	if t.release != nil {
		<-t.release
	}
	t.mu.Lock()
	*t.log = append(*t.log, t.id)
	t.mu.Unlock()
	if t.fail != nil {
		return false, t.fail
	}
	return true, nil
}

func newPool(t *testing.T) *Pool {
	t.Helper()
	device := sim.New(sim.DefaultOptions())
	p := gpu.New(device)
	t.Cleanup(p.Close)
	return NewPool(p, 4, nil)
}

func TestPoolRunsJobsInSubmissionOrder(t *testing.T) {
	pool := newPool(t)
	var log []int
	var mu sync.Mutex

	jobs := make([]*Job, 10)
	for i := 0; i < 10; i++ {
		jobs[i] = pool.Submit(context.Background(), &recordingTask{id: i, log: &log, mu: &mu})
	}
	for _, j := range jobs {
		j.Wait()
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range log {
		if v != i {
			t.Fatalf("jobs did not run in submission order: %v", log)
		}
	}
}

// TestPoolAbortBeforeProcessingYieldsStatusAborted checks the cancel-before-
// execute scenario: a job whose context is already cancelled by the time
// its turn comes up never runs Process, and Wait reports StatusAborted
// rather than an error.
func TestPoolAbortBeforeProcessingYieldsStatusAborted(t *testing.T) {
	pool := newPool(t)
	var log []int
	var mu sync.Mutex

	// block the dispatch loop with a first job so the second can be
	// cancelled before runJob ever looks at its context.
	blocker := &recordingTask{id: 0, log: &log, mu: &mu, release: make(chan struct{})}
	pool.Submit(context.Background(), blocker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var processed bool
	second := &recordingTask{id: 1, log: &log, mu: &mu, before: func() { processed = true }}
	job := pool.Submit(ctx, second)

	close(blocker.release)

	status, err := job.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusAborted {
		t.Errorf("Status() = %v, want StatusAborted", status)
	}
	mu.Lock()
	ran := len(log) == 2
	mu.Unlock()
	if ran {
		t.Error("Process should not have run for an already-cancelled job")
	}
	if !processed {
		t.Error("BeforeProcessing should still run for an aborted job")
	}
}

// TestPoolAbortDuringProcessingStopsCooperatively checks Abort on an
// in-flight job: Abort lands after BeforeProcessing has run, so the job
// settles as StatusAborted when the pool's cancellation check ahead of
// Process sees it, or as StatusDone when Process is already blocked and
// then completes.
func TestPoolAbortDuringProcessingStopsCooperatively(t *testing.T) {
	pool := newPool(t)
	var log []int
	var mu sync.Mutex

	started := make(chan struct{})
	release := make(chan struct{})
	task := &recordingTask{id: 0, log: &log, mu: &mu, release: release, before: func() { close(started) }}
	job := pool.Submit(context.Background(), task)

	<-started
	pool.Abort(job)
	close(release)

	status, _ := job.Wait()
	// BeforeProcessing ran before Abort; depending on whether Process had
	// already been entered, the pool's check ahead of it reports the abort
	// or Process runs to completion once unblocked. What must hold is that
	// Abort is observable and does not hang Wait.
	if status != StatusDone && status != StatusAborted {
		t.Errorf("unexpected status %v", status)
	}
}

func TestPoolTaskFailurePropagatesToWaitAndListener(t *testing.T) {
	listener := &capturingListener{}
	device := sim.New(sim.DefaultOptions())
	p := gpu.New(device)
	defer p.Close()
	pool := NewPool(p, 2, listener)

	var log []int
	var mu sync.Mutex
	wantErr := errors.New("task exploded")
	job := pool.Submit(context.Background(), &recordingTask{id: 0, log: &log, mu: &mu, fail: wantErr})

	status, err := job.Wait()
	if status != StatusDone {
		t.Errorf("Status() = %v, want StatusDone (a failure is still a completion)", status)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("Wait() error = %v, want %v", err, wantErr)
	}
	if listener.err != wantErr {
		t.Errorf("listener saw error %v, want %v", listener.err, wantErr)
	}
}

type capturingListener struct {
	err error
}

func (l *capturingListener) TaskFailed(pool *Pool, task Task, err error) { l.err = err }

func TestPoolWaitAllBlocksUntilEverySubmittedJobCompletes(t *testing.T) {
	pool := newPool(t)
	var log []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		pool.Submit(context.Background(), &recordingTask{id: i, log: &log, mu: &mu})
	}
	pool.WaitAll()
	if pool.Busy() {
		t.Error("Busy() should be false once WaitAll returns")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(log) != 5 {
		t.Errorf("len(log) = %d, want 5", len(log))
	}
}

func TestPoolPerformReturnsElapsedTime(t *testing.T) {
	pool := newPool(t)
	var log []int
	var mu sync.Mutex
	d, err := pool.Perform(context.Background(), &recordingTask{id: 0, log: &log, mu: &mu})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if d < 0 {
		t.Errorf("Perform returned negative duration %v", d)
	}
}

func TestNewPoolClampsNonPositiveWorkerCount(t *testing.T) {
	device := sim.New(sim.DefaultOptions())
	p := gpu.New(device)
	defer p.Close()
	pool := NewPool(p, 0, nil)
	if pool.cpuWorkers != 1 {
		t.Errorf("cpuWorkers = %d, want 1", pool.cpuWorkers)
	}
}

// persistentTask completes one execution per token fed into tokens; a
// closed stop channel makes any blocked execution return a cooperative
// abort instead.
type persistentTask struct {
	mu     sync.Mutex
	runs   int
	tokens chan struct{}
	stop   chan struct{}
}

func (t *persistentTask) MaxThreads() int                                         { return 1 }
func (t *persistentTask) UsesGPU() bool                                           { return false }
func (t *persistentTask) BeforeProcessing(threadCount int, device driver.Device)  {}
func (t *persistentTask) AfterProcessing(_ int, _ driver.Device, _ bool)          {}
func (t *persistentTask) Process(threadIdx, threadCount int) (bool, error) {
	select {
	case <-t.tokens:
	case <-t.stop:
		return false, nil
	}
	t.mu.Lock()
	t.runs++
	t.mu.Unlock()
	return true, nil
}

func (t *persistentTask) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func TestPoolSubmitPersistentReRunsUntilAborted(t *testing.T) {
	pool := newPool(t)
	task := &persistentTask{tokens: make(chan struct{}), stop: make(chan struct{})}
	job := pool.SubmitPersistent(context.Background(), task)

	// each send is consumed by a distinct execution, so three sends means
	// the task was re-enqueued at least twice after its first completion.
	for i := 0; i < 3; i++ {
		task.tokens <- struct{}{}
	}
	pool.Abort(job)
	close(task.stop)

	status, err := job.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusAborted {
		t.Errorf("Status() = %v, want StatusAborted", status)
	}
	if got := task.count(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

// repeatTask signals started at each Process entry and consumes one
// release token per completed execution.
type repeatTask struct {
	mu      sync.Mutex
	runs    int
	started chan struct{}
	release chan struct{}
}

func (t *repeatTask) MaxThreads() int                                        { return 1 }
func (t *repeatTask) UsesGPU() bool                                          { return false }
func (t *repeatTask) BeforeProcessing(threadCount int, device driver.Device) {}
func (t *repeatTask) AfterProcessing(_ int, _ driver.Device, _ bool)         {}
func (t *repeatTask) Process(threadIdx, threadCount int) (bool, error) {
	t.started <- struct{}{}
	<-t.release
	t.mu.Lock()
	t.runs++
	t.mu.Unlock()
	return true, nil
}

func (t *repeatTask) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func TestPoolRepeatOnInFlightJobRunsOnceMore(t *testing.T) {
	pool := newPool(t)
	task := &repeatTask{started: make(chan struct{}, 4), release: make(chan struct{}, 4)}
	job := pool.Submit(context.Background(), task)

	<-task.started
	if got := pool.Repeat(context.Background(), task, false); got != job {
		t.Fatal("Repeat on an in-flight task should return its current job")
	}
	task.release <- struct{}{}
	<-task.started // the promised extra execution begins
	task.release <- struct{}{}

	status, err := job.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusDone {
		t.Errorf("Status() = %v, want StatusDone", status)
	}
	if got := task.count(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestPoolRepeatAbortCurrentStillRunsOnceMore(t *testing.T) {
	pool := newPool(t)
	var log []int
	var mu sync.Mutex

	// hold the dispatch loop so the target job is cancelled while still
	// queued; its first run must then be skipped and only the repeat run.
	blocker := &recordingTask{id: 0, log: &log, mu: &mu, release: make(chan struct{})}
	pool.Submit(context.Background(), blocker)

	task := &repeatTask{started: make(chan struct{}, 4), release: make(chan struct{}, 4)}
	task.release <- struct{}{}
	job := pool.Submit(context.Background(), task)
	if got := pool.Repeat(context.Background(), task, true); got != job {
		t.Fatal("Repeat should return the queued job")
	}
	close(blocker.release)

	status, err := job.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusDone {
		t.Errorf("Status() = %v, want StatusDone", status)
	}
	if got := task.count(); got != 1 {
		t.Errorf("runs = %d, want exactly 1 (cancelled run skipped, repeat ran)", got)
	}
}

func TestPoolRepeatOnIdleTaskSubmitsAfresh(t *testing.T) {
	pool := newPool(t)
	task := &repeatTask{started: make(chan struct{}, 1), release: make(chan struct{}, 1)}
	task.release <- struct{}{}
	job := pool.Repeat(context.Background(), task, false)
	status, err := job.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusDone {
		t.Errorf("Status() = %v, want StatusDone", status)
	}
	if got := task.count(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}
