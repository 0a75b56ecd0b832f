// Package chunkstore reads and writes the binary chunk files holding a
// model's learned weights and biases: a flat sequence of
// (idLength uint32, id bytes, size uint32, data bytes) records, matching
// SPEC_FULL.md §7's wire format exactly. Grounded on
// original_source/core/utils/chunkfile.h's ChunkFile/ChunkFile::Writer.
package chunkstore

import (
	"encoding/binary"
	"io"
	"os"

	"golang.org/x/exp/slices"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
)

const maxIDLength = 1 << 20

// Store is an in-memory chunk collection implementing nnets.ChunkSource.
// Grounded on ChunkFile's std::map<std::string, ChunkDesc> index, flattened
// here to an in-memory map since model weights are small enough (at most a
// few tens of megabytes for the networks this engine targets) to load
// wholesale rather than keep the file open and seek per chunk.
type Store struct {
	chunks map[string][]byte
	order  []string // insertion order, preserved so Write reproduces it
}

// New creates an empty chunk store.
func New() *Store {
	return &Store{chunks: make(map[string][]byte)}
}

// Put inserts or replaces the chunk named id.
func (s *Store) Put(id string, data []byte) error {
	if len(id) > maxIDLength {
		return beatmuperr.NewInvalidArgument("chunkstore: id %q exceeds max length %d", id, maxIDLength)
	}
	if _, exists := s.chunks[id]; !exists {
		s.order = append(s.order, id)
	}
	s.chunks[id] = data
	return nil
}

// Chunk implements nnets.ChunkSource.
func (s *Store) Chunk(id string) ([]byte, bool) {
	data, ok := s.chunks[id]
	return data, ok
}

// Count reports how many chunks the store holds.
func (s *Store) Count() int { return len(s.order) }

// IDs returns the chunk ids in insertion order.
func (s *Store) IDs() []string {
	return slices.Clone(s.order)
}

// Load reads a chunk file in full into a new Store.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beatmuperr.NewIOError("chunkstore: open "+path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a chunk stream from r until EOF.
func Read(r io.Reader) (*Store, error) {
	s := New()
	for {
		var idLenBuf [4]byte
		if _, err := io.ReadFull(r, idLenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, beatmuperr.NewIOError("chunkstore: reading id length", err)
		}
		idLen := binary.LittleEndian.Uint32(idLenBuf[:])
		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return nil, beatmuperr.NewIOError("chunkstore: reading id", err)
		}
		var sizeBuf [4]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, beatmuperr.NewIOError("chunkstore: reading size of chunk "+string(idBuf), err)
		}
		size := binary.LittleEndian.Uint32(sizeBuf[:])
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, beatmuperr.NewIOError("chunkstore: reading data of chunk "+string(idBuf), err)
		}
		if err := s.Put(string(idBuf), data); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Save writes every chunk in s, in insertion order, to path.
func (s *Store) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return beatmuperr.NewIOError("chunkstore: create "+path, err)
	}
	defer f.Close()
	return s.Write(f)
}

// Write serializes every chunk to w, in insertion order.
func (s *Store) Write(w io.Writer) error {
	for _, id := range s.order {
		if err := writeChunk(w, id, s.chunks[id]); err != nil {
			return err
		}
	}
	return nil
}

func writeChunk(w io.Writer, id string, data []byte) error {
	if len(id) > maxIDLength {
		return beatmuperr.NewInvalidArgument("chunkstore: id %q exceeds max length %d", id, maxIDLength)
	}
	var idLenBuf [4]byte
	binary.LittleEndian.PutUint32(idLenBuf[:], uint32(len(id)))
	if _, err := w.Write(idLenBuf[:]); err != nil {
		return beatmuperr.NewIOError("chunkstore: writing id length", err)
	}
	if _, err := w.Write([]byte(id)); err != nil {
		return beatmuperr.NewIOError("chunkstore: writing id", err)
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(data)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return beatmuperr.NewIOError("chunkstore: writing size of chunk "+id, err)
	}
	if _, err := w.Write(data); err != nil {
		return beatmuperr.NewIOError("chunkstore: writing data of chunk "+id, err)
	}
	return nil
}
