// Copyright 2024 DIG-Network
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chunker implements content-defined chunking over a byte
// stream: FastCDC-style two-mask boundary normalization driven by a
// buzhash rolling checksum, so that local edits to a file perturb only
// the chunks nearby the edit (spec §4.B).
package chunker

import (
	"bufio"
	"io"

	"github.com/kch42/buzhash"

	"github.com/DIG-Network/digstore/chunk"
	"github.com/DIG-Network/digstore/hash"
)

// Default chunk size targets, per spec §4.B.
const (
	DefaultMinSize = 512 * 1024
	DefaultAvgSize = 1024 * 1024
	DefaultMaxSize = 4 * 1024 * 1024
)

// rollWindow is the width of the rolling hash's sliding window. It must
// be smaller than MinSize so the hash has fully "warmed up" by the time
// a boundary can legally occur.
const rollWindow = 64

// tableSeed is fixed so that chunking is a pure function of input bytes
// and Params alone, per spec §4.B's determinism requirement — it must
// never vary between runs or processes.
const tableSeed = 0x6469675f636463 // "dig_cdc" as hex digits, arbitrary but fixed

// Params controls chunk boundary placement. Values are persisted in
// LayerZero so that future reads of an archive remain deterministic even
// if a later process's compiled-in defaults change.
type Params struct {
	MinSize int
	AvgSize int
	MaxSize int
}

// DefaultParams returns the spec's recommended 512KiB/1MiB/4MiB sizes.
func DefaultParams() Params {
	return Params{MinSize: DefaultMinSize, AvgSize: DefaultAvgSize, MaxSize: DefaultMaxSize}
}

// Validate checks min <= avg <= max, the only constraint spec §4.B
// places on Params.
func (p Params) Validate() error {
	if p.MinSize <= 0 || p.AvgSize <= 0 || p.MaxSize <= 0 {
		return errBadParams("sizes must be positive")
	}
	if !(p.MinSize <= p.AvgSize && p.AvgSize <= p.MaxSize) {
		return errBadParams("require min <= avg <= max")
	}
	return nil
}

type errBadParams string

func (e errBadParams) Error() string { return "chunker: invalid params: " + string(e) }

// maskBits returns the number of one-bits a boundary mask needs so that,
// for an ideal random source, the expected run length before a hit is
// avgSize. level shifts the mask by +/- one "region" the way FastCDC's
// normalized chunking uses a harder mask below avgSize and an easier one
// above it.
func maskBits(avgSize, level int) uint {
	bits := 0
	for n := avgSize; n > 1; n >>= 1 {
		bits++
	}
	bits += level
	if bits < 1 {
		bits = 1
	}
	if bits > 63 {
		bits = 63
	}
	return uint(bits)
}

// Chunker cuts a byte stream into content-defined chunks.
type Chunker struct {
	params Params
	table  *buzhash.Buzhash32Table
	maskS  uint32 // harder mask, used below AvgSize
	maskL  uint32 // easier mask, used at/above AvgSize
}

// New returns a Chunker for the given parameters. Params must already be
// validated (e.g. via Params.Validate, or by having been read back out of
// an existing LayerZero record).
func New(p Params) *Chunker {
	return &Chunker{
		params: p,
		table:  buzhash.NewBuzhash32Table(tableSeed),
		maskS:  uint32(1)<<maskBits(p.AvgSize, 1) - 1,
		maskL:  uint32(1)<<maskBits(p.AvgSize, -1) - 1,
	}
}

// Chunk is one emitted content-defined span: its hash, its offset within
// the stream, and its length.
type Chunk = chunk.Chunk

// ChunkStream is a finite, single-pass, non-restartable sequence of
// Chunks (spec §9 design notes): once created it can only be drained
// forward via Next.
type ChunkStream struct {
	c       *Chunker
	r       *bufio.Reader
	offset  int64
	done    bool
	lastErr error
}

// Stream begins chunking r. The returned ChunkStream must be drained to
// completion (or abandoned) by the caller; it cannot be rewound.
func (c *Chunker) Stream(r io.Reader) *ChunkStream {
	return &ChunkStream{c: c, r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next chunk and its bytes, or (Chunk{}, nil, io.EOF)
// once the stream is exhausted. Next must not be called again after an
// error (including io.EOF) without discarding the stream.
func (cs *ChunkStream) Next() (Chunk, []byte, error) {
	if cs.done {
		return Chunk{}, nil, io.EOF
	}
	if cs.lastErr != nil {
		return Chunk{}, nil, cs.lastErr
	}

	data, err := cs.readOneChunk()
	if len(data) == 0 && err != nil {
		cs.done = true
		cs.lastErr = err
		return Chunk{}, nil, err
	}

	h := hash.Of(data)
	startOffset := cs.offset
	cs.offset += int64(len(data))

	if err == io.EOF {
		cs.done = true
	} else if err != nil {
		cs.lastErr = err
	}

	return Chunk{Hash: h, Offset: startOffset, Length: int64(len(data))}, data, nil
}

// readOneChunk reads and buffers bytes from the underlying reader until a
// content-defined boundary is found (or the stream ends), returning the
// chunk's raw bytes. A non-nil, non-io.EOF error means the underlying
// reader failed; io.EOF signals this was the final chunk.
func (cs *ChunkStream) readOneChunk() ([]byte, error) {
	p := cs.c.params
	buf := make([]byte, 0, p.AvgSize)

	window := make([]byte, 0, rollWindow)
	var rollHash uint32

	for {
		b, err := cs.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(buf) == 0 {
					return nil, io.EOF
				}
				return buf, io.EOF
			}
			return nil, err
		}

		buf = append(buf, b)

		// Maintain the rolling window and hash regardless of whether we
		// are past MinSize yet, so the hash has "warmed up" by the time
		// a boundary becomes legal.
		if len(window) == rollWindow {
			outByte := window[0]
			window = window[1:]
			rollHash = rol32(rollHash, 1) ^ rol32(cs.c.table[outByte], rollWindow%32) ^ cs.c.table[b]
		} else {
			rollHash = rol32(rollHash, 1) ^ cs.c.table[b]
		}
		window = append(window, b)

		n := len(buf)
		if n >= p.MaxSize {
			return buf, nil
		}
		if n < p.MinSize {
			continue
		}

		mask := cs.c.maskS
		if n >= p.AvgSize {
			mask = cs.c.maskL
		}
		if rollHash&mask == 0 {
			return buf, nil
		}
	}
}

func rol32(x uint32, n uint) uint32 {
	n &= 31
	return (x << n) | (x >> (32 - n))
}

// All drains the stream and returns every chunk with its bytes. Intended
// for small inputs (tests, tiny files); large files should use Stream
// directly to keep memory bounded (spec §4.B performance floor).
func (c *Chunker) All(r io.Reader) ([]Chunk, [][]byte, error) {
	cs := c.Stream(r)
	var chunks []Chunk
	var datas [][]byte
	for {
		ch, data, err := cs.Next()
		if err == io.EOF {
			return chunks, datas, nil
		}
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, ch)
		datas = append(datas, data)
	}
}
