// Package commands holds the command handlers a server registers with its
// dispatcher.
package commands

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/session"
	"github.com/1ureka/voxlink/internal/world"
)

// ChunkSource serves chunk blocks.
type ChunkSource interface {
	GetOrGenerateChunk(pos world.ChunkPos) []byte
}

// SessionLister reports the connected sessions.
type SessionLister interface {
	List() []session.PeerSession
}

// Register installs every handler on r. A nil dependency leaves the commands
// needing it unregistered.
func Register(r *dispatch.Registry, chunks ChunkSource, sessions SessionLister) error {
	r.HandleFunc("echo", echo)
	r.HandleFunc("ping", ping)

	if sessions != nil {
		r.Handle("who", &who{sessions: sessions})
	}
	if chunks != nil {
		gc, err := newGetChunk(chunks)
		if err != nil {
			return err
		}
		r.Handle("getchunk", gc)
	}
	return nil
}

// echo returns its arguments.
func echo(_ context.Context, req *dispatch.Request) ([]byte, error) {
	if req.Binary {
		return req.Raw, nil
	}
	return []byte(req.Args), nil
}

func ping(context.Context, *dispatch.Request) ([]byte, error) {
	return []byte("pong"), nil
}

// who lists connected subjects, one per line.
type who struct {
	sessions SessionLister
}

func (w *who) ServeCommand(context.Context, *dispatch.Request) ([]byte, error) {
	var b strings.Builder
	for _, s := range w.sessions.List() {
		fmt.Fprintf(&b, "%s %s\n", s.Subject, s.Addr)
	}
	return []byte(b.String()), nil
}

// getChunk answers "getchunk <x> <z> <dimensionId>" (or the 12-byte binary
// form x|z|dim, big endian) with the zstd-compressed chunk blocks.
type getChunk struct {
	chunks  ChunkSource
	encoder *zstd.Encoder
}

func newGetChunk(chunks ChunkSource) (*getChunk, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("chunk encoder: %w", err)
	}
	return &getChunk{chunks: chunks, encoder: enc}, nil
}

func (g *getChunk) ServeCommand(_ context.Context, req *dispatch.Request) ([]byte, error) {
	var (
		pos world.ChunkPos
		err error
	)
	if req.Binary {
		pos, err = parseChunkBytes(req.Raw)
	} else {
		pos, err = parseChunkArgs(req.Args)
	}
	if err != nil {
		return nil, err
	}

	return g.encoder.EncodeAll(g.chunks.GetOrGenerateChunk(pos), nil), nil
}

func parseChunkArgs(args string) (world.ChunkPos, error) {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return world.ChunkPos{}, fmt.Errorf("usage: getchunk <x> <z> <dimensionId>")
	}
	var v [3]int32
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return world.ChunkPos{}, fmt.Errorf("getchunk: bad coordinate %q", f)
		}
		v[i] = int32(n)
	}
	return world.ChunkPos{X: v[0], Z: v[1], Dimension: v[2]}, nil
}

func parseChunkBytes(raw []byte) (world.ChunkPos, error) {
	if len(raw) != 12 {
		return world.ChunkPos{}, fmt.Errorf("getchunk: binary form needs 12 bytes, got %d", len(raw))
	}
	return world.ChunkPos{
		X:         int32(binary.BigEndian.Uint32(raw[0:4])),
		Z:         int32(binary.BigEndian.Uint32(raw[4:8])),
		Dimension: int32(binary.BigEndian.Uint32(raw[8:12])),
	}, nil
}

// EncodeChunkPos builds the binary getchunk arguments.
func EncodeChunkPos(pos world.ChunkPos) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(pos.X))
	binary.BigEndian.PutUint32(buf[4:8], uint32(pos.Z))
	binary.BigEndian.PutUint32(buf[8:12], uint32(pos.Dimension))
	return buf
}

// DecodeChunk decompresses a getchunk response.
func DecodeChunk(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(world.ChunkSize*2))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(body, nil)
}
