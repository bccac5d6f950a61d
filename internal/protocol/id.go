package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// IDGen hands out packet ids. It starts at a random 32-bit value and counts
// up, so ids are unpredictable across runs and never repeat within 2^32
// packets of one endpoint. Safe for concurrent use.
type IDGen struct {
	val atomic.Uint32
}

// NewIDGen creates a generator with a random starting point.
func NewIDGen() *IDGen {
	var seed [4]byte
	_, _ = rand.Read(seed[:])

	g := &IDGen{}
	g.val.Store(binary.BigEndian.Uint32(seed[:]))
	return g
}

// Next returns the next packet id.
func (g *IDGen) Next() int32 {
	return int32(g.val.Add(1))
}
