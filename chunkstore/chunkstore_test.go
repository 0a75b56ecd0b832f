package chunkstore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestStorePutAndChunk(t *testing.T) {
	s := New()
	if err := s.Put("conv1/w", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, ok := s.Chunk("conv1/w")
	if !ok {
		t.Fatal("Chunk did not find conv1/w")
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("got %v, want [1 2 3]", data)
	}
	if _, ok := s.Chunk("missing"); ok {
		t.Error("Chunk found a chunk that was never Put")
	}
}

func TestStorePutReplacesWithoutDuplicatingOrder(t *testing.T) {
	s := New()
	s.Put("a", []byte{1})
	s.Put("b", []byte{2})
	s.Put("a", []byte{9})
	if got := s.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	if ids := s.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("IDs() = %v, want [a b]", ids)
	}
	data, _ := s.Chunk("a")
	if !bytes.Equal(data, []byte{9}) {
		t.Errorf("Put should replace existing data, got %v", data)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := New()
	s.Put("conv1/w", []byte{1, 2, 3, 4, 5})
	s.Put("conv1/b", []byte{})
	s.Put("dense/matrix", bytes.Repeat([]byte{0xAB}, 37))

	var buf bytes.Buffer
	if err := s.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Count() != s.Count() {
		t.Fatalf("Count() = %d, want %d", got.Count(), s.Count())
	}
	for _, id := range s.IDs() {
		want, _ := s.Chunk(id)
		data, ok := got.Chunk(id)
		if !ok {
			t.Fatalf("round trip lost chunk %q", id)
		}
		if !bytes.Equal(data, want) {
			t.Errorf("chunk %q: got %v, want %v", id, data, want)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New()
	s.Put("x", []byte{7, 7, 7})
	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, ok := got.Chunk("x")
	if !ok || !bytes.Equal(data, []byte{7, 7, 7}) {
		t.Fatalf("Load round trip mismatch: %v, ok=%v", data, ok)
	}
}

func TestReadTruncatedStreamErrors(t *testing.T) {
	s := New()
	s.Put("a", []byte{1, 2, 3})
	var buf bytes.Buffer
	if err := s.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	if _, err := Read(truncated); err == nil {
		t.Error("expected error reading a truncated chunk stream")
	}
}

func TestReadEmptyStreamYieldsEmptyStore(t *testing.T) {
	got, err := Read(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Count() != 0 {
		t.Errorf("Count() = %d, want 0", got.Count())
	}
}
