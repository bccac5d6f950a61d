// Package world is a small deterministic chunk store. It stands in for the
// terrain subsystem so that chunk requests have something real to serve.
package world

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru"
)

// Chunk dimensions in blocks.
const (
	ChunkWidth  = 16
	ChunkHeight = 64
	ChunkSize   = ChunkWidth * ChunkWidth * ChunkHeight
)

// Block ids.
const (
	Air   byte = 0
	Stone byte = 1
	Dirt  byte = 2
	Grass byte = 3
	Water byte = 4
)

const seaLevel = 24

// ChunkPos addresses a chunk.
type ChunkPos struct {
	X, Z      int32
	Dimension int32
}

func (p ChunkPos) String() string {
	return fmt.Sprintf("(%d, %d)@%d", p.X, p.Z, p.Dimension)
}

// Store generates chunks on demand and keeps recently used ones.
type Store struct {
	seed  uint64
	cache *lru.Cache
}

// NewStore creates a store for the world seed, caching up to cacheSize
// chunks.
func NewStore(seed uint64, cacheSize int) (*Store, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("chunk cache: %w", err)
	}
	return &Store{seed: seed, cache: cache}, nil
}

// GetOrGenerateChunk returns the blocks of the chunk at pos, laid out
// y-major then z then x. The returned slice is shared and must not be
// modified.
func (s *Store) GetOrGenerateChunk(pos ChunkPos) []byte {
	if v, ok := s.cache.Get(pos); ok {
		return v.([]byte)
	}
	blocks := s.generate(pos)
	s.cache.Add(pos, blocks)
	return blocks
}

// Cached returns the number of chunks held in memory.
func (s *Store) Cached() int {
	return s.cache.Len()
}

func (s *Store) generate(pos ChunkPos) []byte {
	blocks := make([]byte, ChunkSize)
	for z := 0; z < ChunkWidth; z++ {
		for x := 0; x < ChunkWidth; x++ {
			wx := int64(pos.X)*ChunkWidth + int64(x)
			wz := int64(pos.Z)*ChunkWidth + int64(z)
			h := s.height(pos.Dimension, wx, wz)

			for y := 0; y < ChunkHeight; y++ {
				var b byte
				switch {
				case y < h-3:
					b = Stone
				case y < h-1:
					b = Dirt
				case y == h-1 && h > seaLevel:
					b = Grass
				case y < h:
					b = Dirt
				case y < seaLevel:
					b = Water
				}
				blocks[(y*ChunkWidth+z)*ChunkWidth+x] = b
			}
		}
	}
	return blocks
}

// height averages hashed column values over a coarse grid so neighbouring
// columns stay close.
func (s *Store) height(dim int32, wx, wz int64) int {
	const cell = 8
	cx, cz := floorDiv(wx, cell), floorDiv(wz, cell)
	fx, fz := wx-cx*cell, wz-cz*cell

	h00 := s.columnHash(dim, cx, cz)
	h10 := s.columnHash(dim, cx+1, cz)
	h01 := s.columnHash(dim, cx, cz+1)
	h11 := s.columnHash(dim, cx+1, cz+1)

	top := h00*(cell-fx) + h10*fx
	bottom := h01*(cell-fx) + h11*fx
	v := (top*(cell-fz) + bottom*fz) / (cell * cell)

	return 16 + int(v)
}

func (s *Store) columnHash(dim int32, cx, cz int64) int64 {
	var buf [28]byte
	binary.BigEndian.PutUint64(buf[0:8], s.seed)
	binary.BigEndian.PutUint32(buf[8:12], uint32(dim))
	binary.BigEndian.PutUint64(buf[12:20], uint64(cx))
	binary.BigEndian.PutUint64(buf[20:28], uint64(cz))

	h := fnv.New64a()
	h.Write(buf[:])
	return int64(h.Sum64() % 32)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
