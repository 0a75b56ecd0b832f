// Package model implements the inference graph container: Model tracks
// operations and their connections, allocates and reuses Storage backing
// them (allocate.go) and drives the forward pass. Grounded on
// original_source/core/nnets/model.h/.cpp's Model.
package model

import (
	"errors"
	"fmt"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/nnets"
	"github.com/lnstadrum/beatmup-sub001/scheduler"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

// OpID identifies an operation within a Model by its position in the
// operation list. Grounded on SPEC_FULL.md's redesign note: the original's
// raw AbstractOperation* back-references become plain integer handles, so
// a Model never hands out a pointer an operation could outlive.
type OpID int

// Connection wires output index `Output` of one operation to input index
// `Input` of `Dest`, optionally applying a channel shuffle (see
// storage.NewShuffleView) of `Shuffle` groups. Grounded on Model's private
// Connection struct.
type Connection struct {
	Dest    OpID
	Output  int
	Input   int
	Shuffle int
}

// UserOutput marks an operation output whose data should be retrieved
// after Execute via Model.UserOutputData.
type UserOutput struct {
	Op     OpID
	Output int
}

// Model is a directed acyclic graph of operations. Ops are added with
// AddOperation, wired with AddConnection, and the memory they need is
// allocated once by Prepare; Execute then runs the forward pass.
type Model struct {
	ops         []nnets.Operation
	connections map[OpID][]Connection
	userOutputs []UserOutput

	storages  []*storage.Storage
	opStorage []*storage.Storage // per-op assigned output storage, set by Prepare
	bin       *gpu.RecycleBin

	preparingProgress *scheduler.Progress
	inferenceProgress *scheduler.Progress

	interrupt <-chan struct{}

	ready bool
}

// ErrInterrupted is returned by Execute/ExecuteOnDevice when the channel
// set via SetInterrupt fires between two operations. It marks a
// cooperative stop, not a fault; callers translate it into an aborted job
// status rather than a task failure.
var ErrInterrupted = errors.New("model: execution interrupted")

// SetInterrupt installs a cancellation signal polled between operations
// during Execute — the suspension point that lets an aborted job return
// within one operation's time instead of finishing the whole forward
// pass. Pass nil to clear.
func (m *Model) SetInterrupt(done <-chan struct{}) { m.interrupt = done }

// New creates an empty model.
func New() *Model {
	return &Model{
		connections:       make(map[OpID][]Connection),
		bin:               gpu.NewRecycleBin(),
		preparingProgress: scheduler.NewProgress(0),
		inferenceProgress: scheduler.NewProgress(0),
	}
}

// PreparingProgress reports the fraction of operations Prepare has
// allocated/compiled so far, matching Model::preparingProgress.
func (m *Model) PreparingProgress() float32 { return m.preparingProgress.Fraction() }

// InferenceProgress reports the fraction of operations Execute has run so
// far in the current (or most recent) forward pass, matching
// Model::inferenceProgress.
func (m *Model) InferenceProgress() float32 { return m.inferenceProgress.Fraction() }

// AddOperation registers op and returns its handle.
func (m *Model) AddOperation(op nnets.Operation) OpID {
	id := OpID(len(m.ops))
	m.ops = append(m.ops, op)
	return id
}

// Operation returns the operation registered under id.
func (m *Model) Operation(id OpID) nnets.Operation { return m.ops[id] }

// OperationCount returns how many operations the model holds.
func (m *Model) OperationCount() int { return len(m.ops) }

// SourceConnection pairs a Connection with the id of the operation it
// originates from, for callers (package serialize) that need to walk the
// whole graph rather than one source's outgoing edges at a time.
type SourceConnection struct {
	Src OpID
	Connection
}

// AllConnections returns every connection in the model, in a
// deterministic order (grouped by source id, then by the order
// AddConnection was called), never Go map iteration order.
func (m *Model) AllConnections() []SourceConnection {
	var out []SourceConnection
	for src := 0; src < len(m.ops); src++ {
		for _, c := range m.connections[OpID(src)] {
			out = append(out, SourceConnection{Src: OpID(src), Connection: c})
		}
	}
	return out
}

// AddConnection wires src's output to dest's input, refusing connections
// that would introduce a cycle (Model.prepare's topological sort, unlike
// the original's incidental multimap traversal, relies on the graph
// actually being acyclic rather than merely hoping so).
func (m *Model) AddConnection(src OpID, output int, dest OpID, input int, shuffle int) error {
	if m.reachableFrom(dest, src) {
		return beatmuperr.NewInvalidArgument("connecting op %d -> op %d would create a cycle", src, dest)
	}
	m.connections[src] = append(m.connections[src], Connection{Dest: dest, Output: output, Input: input, Shuffle: shuffle})
	return nil
}

func (m *Model) reachableFrom(from, to OpID) bool {
	if from == to {
		return true
	}
	seen := make(map[OpID]bool)
	var visit func(OpID) bool
	visit = func(id OpID) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		for _, c := range m.connections[id] {
			if c.Dest == to || visit(c.Dest) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// AddUserOutput marks op's output for retrieval after Execute.
func (m *Model) AddUserOutput(op OpID, output int) {
	m.userOutputs = append(m.userOutputs, UserOutput{Op: op, Output: output})
}

// topologicalOrder returns operation ids in an order where every
// operation appears after all operations that feed it, computed via
// Kahn's algorithm that always takes the lowest-id ready operation next,
// so a graph whose addition order is already valid runs in addition
// order. It works over a deterministic slice (never Go map iteration) so
// that repeated Prepare calls over the same graph always pick the same
// order — SPEC_FULL.md's "Idempotent prepare" invariant.
func (m *Model) topologicalOrder() ([]OpID, error) {
	inDegree := make([]int, len(m.ops))
	for src := 0; src < len(m.ops); src++ {
		for _, c := range m.connections[OpID(src)] {
			inDegree[c.Dest]++
		}
	}
	var queue []OpID
	for id := 0; id < len(m.ops); id++ {
		if inDegree[id] == 0 {
			queue = append(queue, OpID(id))
		}
	}
	order := make([]OpID, 0, len(m.ops))
	for len(queue) > 0 {
		next := 0
		for i := range queue {
			if queue[i] < queue[next] {
				next = i
			}
		}
		id := queue[next]
		queue = append(queue[:next], queue[next+1:]...)
		order = append(order, id)
		for _, c := range m.connections[id] {
			inDegree[c.Dest]--
			if inDegree[c.Dest] == 0 {
				queue = append(queue, c.Dest)
			}
		}
	}
	if len(order) != len(m.ops) {
		return nil, beatmuperr.NewInvalidArgument("model graph contains a cycle")
	}
	return order, nil
}

// Execute runs the forward pass in topological order. GPU operations run
// through pipeline; CPU operations (currently only Softmax) run inline,
// single-threaded. A HostInputOperation has its bound input view pulled
// to the host through pipeline immediately before its CPU phase runs — a
// richer multi-threaded dispatch across several CPU operations lives in
// package scheduler, layered on top of Model rather than inside it.
func (m *Model) Execute(pipeline *gpu.Pipeline) error {
	var execErr error
	pipeline.Run(func(device driver.Device) {
		execErr = m.ExecuteOnDevice(device)
	})
	return execErr
}

// ExecuteOnDevice runs the same forward pass as Execute, but directly
// against device instead of going through a Pipeline.Run round trip —
// required for callers already running on the GPU thread; see
// PrepareOnDevice's doc comment for why Execute alone would deadlock
// there.
func (m *Model) ExecuteOnDevice(device driver.Device) error {
	if !m.ready {
		return beatmuperr.NewRuntimeError("model: execute before prepare")
	}
	order, err := m.topologicalOrder()
	if err != nil {
		return err
	}
	m.inferenceProgress.Reset(len(order))
	for _, id := range order {
		if m.interrupt != nil {
			select {
			case <-m.interrupt:
				return ErrInterrupted
			default:
			}
		}
		op := m.ops[id]
		if op.UsesGPU() {
			if err := op.Execute(device); err != nil {
				return beatmuperr.NewInferenceTimeError(op.Name(), err)
			}
			m.inferenceProgress.Increment()
			continue
		}
		cpu, ok := op.(nnets.CPUOperation)
		if !ok {
			if err := op.Execute(nil); err != nil {
				return beatmuperr.NewInferenceTimeError(op.Name(), err)
			}
			m.inferenceProgress.Increment()
			continue
		}
		if host, ok := op.(nnets.HostInputOperation); ok {
			data, err := host.InputView().Pull(device)
			if err != nil {
				return beatmuperr.NewInferenceTimeError(op.Name(), err)
			}
			host.SetInputData(data)
		}
		cpu.BeforeExecute(1)
		cpu.ExecuteSlice(0, cpu.AmountOfWork(), 0, 1)
		cpu.AfterExecute(1)
		m.inferenceProgress.Increment()
	}
	return nil
}

// Ready reports whether Prepare has run successfully.
func (m *Model) Ready() bool { return m.ready }

func (m *Model) String() string {
	return fmt.Sprintf("model(%d ops, %d storages)", len(m.ops), len(m.storages))
}
