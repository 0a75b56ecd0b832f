package model

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/lnstadrum/beatmup-sub001/chunkstore"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/sim"
	"github.com/lnstadrum/beatmup-sub001/nnets"
	"github.com/lnstadrum/beatmup-sub001/shader"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

func floatsToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}

// newIdentityConv builds a depthwise 3x3, same-padding Conv2D whose only
// nonzero weight is the center tap, and registers its weights chunk.
func newIdentityConv(t *testing.T, chunks *chunkstore.Store, name string) *nnets.Conv2D {
	t.Helper()
	conv, err := nnets.NewConv2D(name, 3, 4, 4, 1, storage.PaddingSame, false, 4, shader.ActivationDefault)
	if err != nil {
		t.Fatalf("NewConv2D(%s): %v", name, err)
	}
	weights := make([]float32, 4*1*3*3)
	for out := 0; out < 4; out++ {
		weights[out+16] = 1.0 // center tap, see idx(out,0,1,1) = out + 4*(0+1*(1+3*1))
	}
	chunks.Put(name+"/w", floatsToBytes(weights))
	return conv
}

// TestPrepareReusesStorageAcrossAChainOfSameSizeOps checks that chaining
// three identity convolutions of identical shape allocates only 2
// storages: the chain alternates between two buffers instead of growing
// one new allocation per operation.
func TestPrepareReusesStorageAcrossAChainOfSameSizeOps(t *testing.T) {
	device := sim.New(sim.DefaultOptions())
	p := gpu.New(device)
	defer p.Close()
	bank := gpu.NewBank()
	chunks := chunkstore.New()

	m := New()
	conv1 := newIdentityConv(t, chunks, "c1")
	conv2 := newIdentityConv(t, chunks, "c2")
	conv3 := newIdentityConv(t, chunks, "c3")
	id1 := m.AddOperation(conv1)
	id2 := m.AddOperation(conv2)
	id3 := m.AddOperation(conv3)
	if err := m.AddConnection(id1, 0, id2, 0, 0); err != nil {
		t.Fatalf("AddConnection(1->2): %v", err)
	}
	if err := m.AddConnection(id2, 0, id3, 0, 0); err != nil {
		t.Fatalf("AddConnection(2->3): %v", err)
	}
	m.AddUserOutput(id3, 0)

	inSt, err := storage.New(device, storage.Size{W: 4, H: 4, D: 4}, 1, 0)
	if err != nil {
		t.Fatalf("New(input): %v", err)
	}
	if err := inSt.AllocateGPU(device); err != nil {
		t.Fatalf("AllocateGPU(input): %v", err)
	}
	conv1.SetStorageInput(0, storage.NewView(inSt))

	if err := m.Prepare(p, bank, chunks); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := len(m.storages); got != 2 {
		t.Errorf("len(m.storages) = %d, want 2 (chain should alternate between two buffers)", got)
	}

	in := make([]float32, 4*4*4)
	for i := range in {
		in[i] = float32(i%7) / 10
	}
	if err := inSt.Push(device, in); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.Execute(p); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, err := m.UserOutputData(p, 0)
	if err != nil {
		t.Fatalf("UserOutputData: %v", err)
	}
	for i := range in {
		if diff := out[i] - in[i]; diff > 1.0/255 || diff < -1.0/255 {
			t.Errorf("value %d: got %v, want %v (identity chain)", i, out[i], in[i])
		}
	}
}

// TestAddConnectionRejectsCycles checks that wiring a connection back to an
// already-reachable ancestor is refused instead of silently breaking the
// topological sort.
func TestAddConnectionRejectsCycles(t *testing.T) {
	chunks := chunkstore.New()
	m := New()
	conv1 := newIdentityConv(t, chunks, "a")
	conv2 := newIdentityConv(t, chunks, "b")
	id1 := m.AddOperation(conv1)
	id2 := m.AddOperation(conv2)
	if err := m.AddConnection(id1, 0, id2, 0, 0); err != nil {
		t.Fatalf("AddConnection(1->2): %v", err)
	}
	if err := m.AddConnection(id2, 0, id1, 0, 0); err == nil {
		t.Error("expected AddConnection to reject a connection that would close a cycle")
	}
}

// TestShuffledConnectionPermutesChannelQuads wires two identity
// convolutions with a shuffled connection and checks the output channel
// order matches storage.NewShuffleView's permutation rather than simply
// passing the input through untouched.
func TestShuffledConnectionPermutesChannelQuads(t *testing.T) {
	device := sim.New(sim.DefaultOptions())
	p := gpu.New(device)
	defer p.Close()
	bank := gpu.NewBank()
	chunks := chunkstore.New()

	m := New()
	conv1, err := nnets.NewConv2D("src", 1, 16, 16, 1, storage.PaddingValid, false, 16, shader.ActivationDefault)
	if err != nil {
		t.Fatalf("NewConv2D(src): %v", err)
	}
	conv2, err := nnets.NewConv2D("dst", 1, 16, 16, 1, storage.PaddingValid, false, 16, shader.ActivationDefault)
	if err != nil {
		t.Fatalf("NewConv2D(dst): %v", err)
	}
	// 1x1 depthwise identity: idx(out,0,0,0) = out.
	identity1x1 := make([]float32, 16)
	for i := range identity1x1 {
		identity1x1[i] = 1.0
	}
	chunks.Put("src/w", floatsToBytes(identity1x1))
	chunks.Put("dst/w", floatsToBytes(identity1x1))

	id1 := m.AddOperation(conv1)
	id2 := m.AddOperation(conv2)
	const shuffleStep = 2 // divides N = 4: quads map to 0, 2, 1, 3
	if err := m.AddConnection(id1, 0, id2, 0, shuffleStep); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	m.AddUserOutput(id2, 0)

	inSt, err := storage.New(device, storage.Size{W: 1, H: 1, D: 16}, 0, 0)
	if err != nil {
		t.Fatalf("New(input): %v", err)
	}
	if err := inSt.AllocateGPU(device); err != nil {
		t.Fatalf("AllocateGPU(input): %v", err)
	}
	conv1.SetStorageInput(0, storage.NewView(inSt))

	if err := m.Prepare(p, bank, chunks); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	in := make([]float32, 16)
	for i := range in {
		in[i] = float32(i) / 16
	}
	if err := inSt.Push(device, in); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.Execute(p); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, err := m.UserOutputData(p, 0)
	if err != nil {
		t.Fatalf("UserOutputData: %v", err)
	}

	// shuffled quad index q = (shuffleStep*i) % N + (shuffleStep*i) / N, N = D/4.
	const n = 16 / 4
	for i := 0; i < n; i++ {
		q := (shuffleStep*i)%n + (shuffleStep*i)/n
		for ch := 0; ch < 4; ch++ {
			got := out[i*4+ch]
			want := in[q*4+ch]
			if diff := got - want; diff > 1.0/255 || diff < -1.0/255 {
				t.Errorf("quad %d channel %d: got %v, want %v (from source quad %d)", i, ch, got, want, q)
			}
		}
	}
}

// TestExecuteInterruptedBetweenOperations checks the between-operations
// suspension point: with the interrupt signal already fired, Execute
// returns ErrInterrupted without running any operation.
func TestExecuteInterruptedBetweenOperations(t *testing.T) {
	device := sim.New(sim.DefaultOptions())
	p := gpu.New(device)
	defer p.Close()
	bank := gpu.NewBank()
	chunks := chunkstore.New()

	m := New()
	conv1 := newIdentityConv(t, chunks, "c1")
	conv2 := newIdentityConv(t, chunks, "c2")
	id1 := m.AddOperation(conv1)
	id2 := m.AddOperation(conv2)
	if err := m.AddConnection(id1, 0, id2, 0, 0); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	inSt, err := storage.New(device, storage.Size{W: 4, H: 4, D: 4}, 1, 0)
	if err != nil {
		t.Fatalf("New(input): %v", err)
	}
	if err := inSt.AllocateGPU(device); err != nil {
		t.Fatalf("AllocateGPU(input): %v", err)
	}
	conv1.SetStorageInput(0, storage.NewView(inSt))

	if err := m.Prepare(p, bank, chunks); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	interrupt := make(chan struct{})
	close(interrupt)
	m.SetInterrupt(interrupt)

	if err := m.Execute(p); !errors.Is(err, ErrInterrupted) {
		t.Errorf("Execute returned %v, want ErrInterrupted", err)
	}
	if got := m.InferenceProgress(); got != 0 {
		t.Errorf("InferenceProgress() = %v, want 0 (no operation may have run)", got)
	}

	m.SetInterrupt(nil)
	if err := m.Execute(p); err != nil {
		t.Errorf("Execute after clearing the interrupt: %v", err)
	}
}

func TestTopologicalOrderDeterministicAcrossIdenticalGraphs(t *testing.T) {
	build := func() []OpID {
		chunks := chunkstore.New()
		m := New()
		a := m.AddOperation(newIdentityConv(t, chunks, "x"))
		b := m.AddOperation(newIdentityConv(t, chunks, "y"))
		c := m.AddOperation(newIdentityConv(t, chunks, "z"))
		m.AddConnection(a, 0, c, 0, 0)
		m.AddConnection(b, 0, c, 0, 0)
		order, err := m.topologicalOrder()
		if err != nil {
			t.Fatalf("topologicalOrder: %v", err)
		}
		return order
	}
	first := build()
	second := build()
	if len(first) != len(second) {
		t.Fatalf("order lengths differ: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("topologicalOrder is not deterministic: %v vs %v", first, second)
		}
	}
}
