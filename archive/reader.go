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

package archive

import (
	"hash/crc32"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/DIG-Network/digstore/derrors"
	"github.com/DIG-Network/digstore/hash"
	"github.com/DIG-Network/digstore/layer"
)

// Reader is a read-only, memory-mapped view of one archive file. Many
// Readers (and many goroutines sharing one Reader) may be open against
// the same file concurrently; only Writer requires exclusivity. The
// format never requires a reader to take a lock (spec §5).
type Reader struct {
	file   *os.File
	data   mmap.MMap
	header Header
	index  []IndexEntry
	byHash map[hash.Hash]int

	mu       sync.Mutex
	verified map[hash.Hash]bool
}

// Open memory-maps the archive at path for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, derrors.Wrap(derrors.Io, err, "open archive")
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, derrors.Wrap(derrors.Io, err, "mmap archive")
	}

	if len(m) < HeaderSize {
		m.Unmap()
		f.Close()
		return nil, derrors.Corrupt.New("archive file shorter than header")
	}

	h, err := decodeHeader(m[:HeaderSize])
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}

	indexEnd := h.IndexOffset + h.IndexSize
	if indexEnd > uint64(len(m)) {
		m.Unmap()
		f.Close()
		return nil, derrors.Corrupt.New("archive index runs past end of file")
	}

	entries, err := decodeIndex(m[h.IndexOffset:indexEnd], h.LayerCount)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}

	byHash := make(map[hash.Hash]int, len(entries))
	for i, e := range entries {
		byHash[e.LayerHash] = i
	}

	return &Reader{
		file:     f,
		data:     m,
		header:   h,
		index:    entries,
		byHash:   byHash,
		verified: make(map[hash.Hash]bool),
	}, nil
}

// readHeaderAndIndex reads the header and index of an archive file via
// plain file I/O (no mmap), for callers — namely Writer.Append — that
// only need the index metadata and not the data region itself.
func readHeaderAndIndex(f *os.File) (Header, []IndexEntry, error) {
	info, err := f.Stat()
	if err != nil {
		return Header{}, nil, derrors.Wrap(derrors.Io, err, "stat archive")
	}
	if info.Size() < HeaderSize {
		return Header{}, nil, derrors.Corrupt.New("archive file shorter than header")
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return Header{}, nil, derrors.Wrap(derrors.Io, err, "read archive header")
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		return Header{}, nil, err
	}

	indexBuf := make([]byte, h.IndexSize)
	if h.IndexSize > 0 {
		if _, err := f.ReadAt(indexBuf, int64(h.IndexOffset)); err != nil {
			return Header{}, nil, derrors.Wrap(derrors.Io, err, "read archive index")
		}
	}
	entries, err := decodeIndex(indexBuf, h.LayerCount)
	if err != nil {
		return Header{}, nil, err
	}
	return h, entries, nil
}

// Close unmaps the archive and releases its file descriptor.
func (r *Reader) Close() error {
	if err := r.data.Unmap(); err != nil {
		return derrors.Wrap(derrors.Io, err, "unmap archive")
	}
	return r.file.Close()
}

// LayerCount returns how many layers the archive's index lists.
func (r *Reader) LayerCount() int { return len(r.index) }

// DataEnd returns the absolute offset one past the last byte of the last
// layer blob — where a Writer's next append begins.
func (r *Reader) DataEnd() uint64 { return r.header.DataOffset + r.header.DataSize }

// Entries returns a copy of the archive's layer index, in append order
// (lowest generation first).
func (r *Reader) Entries() []IndexEntry {
	out := make([]IndexEntry, len(r.index))
	copy(out, r.index)
	return out
}

// Has reports whether layerHash is present in this archive.
func (r *Reader) Has(layerHash hash.Hash) bool {
	_, ok := r.byHash[layerHash]
	return ok
}

// Entry returns the index entry for layerHash.
func (r *Reader) Entry(layerHash hash.Hash) (IndexEntry, bool) {
	i, ok := r.byHash[layerHash]
	if !ok {
		return IndexEntry{}, false
	}
	return r.index[i], true
}

// HeaderGenerations returns, in append order, the index entries whose
// Kind is layer.KindHeader — the LayerZero records ever written. The
// entry with the highest Generation is current (spec §9 LayerZero
// resolution): LayerZero is rewritten by appending a new entry that
// supersedes the previous one, never mutated in place.
func (r *Reader) HeaderGenerations() []IndexEntry {
	var out []IndexEntry
	for _, e := range r.index {
		if e.Kind == layer.KindHeader {
			out = append(out, e)
		}
	}
	return out
}

// rawBlob returns the raw, still-on-disk bytes of one layer blob, slicing
// directly into the mmap region rather than copying.
func (r *Reader) rawBlob(e IndexEntry) ([]byte, error) {
	if e.DataOffset+e.DataSize > uint64(len(r.data)) {
		return nil, derrors.Corrupt.New("layer span runs past end of archive")
	}
	return r.data[e.DataOffset : e.DataOffset+e.DataSize], nil
}

// VerifyEntry checks e's blob bytes against its recorded CRC32 (spec
// §4.E "verify CRC32 on first touch"), caching a positive result so
// repeated reads of a hot layer pay the cost once.
func (r *Reader) VerifyEntry(e IndexEntry) error {
	r.mu.Lock()
	if r.verified[e.LayerHash] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	blob, err := r.rawBlob(e)
	if err != nil {
		return err
	}
	if crc32.ChecksumIEEE(blob) != e.CRC32 {
		return derrors.Corrupt.New("layer " + e.LayerHash.String() + " failed CRC32 check")
	}

	r.mu.Lock()
	r.verified[e.LayerHash] = true
	r.mu.Unlock()
	return nil
}

// Layer decodes and returns the full layer addressed by layerHash.
func (r *Reader) Layer(layerHash hash.Hash) (*layer.Layer, []byte, error) {
	e, ok := r.Entry(layerHash)
	if !ok {
		return nil, nil, derrors.NotFound.New("layer " + layerHash.String())
	}
	if err := r.VerifyEntry(e); err != nil {
		return nil, nil, err
	}
	blob, err := r.rawBlob(e)
	if err != nil {
		return nil, nil, err
	}
	l, err := layer.Decode(blob)
	if err != nil {
		return nil, nil, err
	}
	return l, blob, nil
}

// layerSource adapts a decoded Layer plus its raw blob into a narrow
// interface retrieval uses to pull individual chunk spans without caring
// whether the layer came from an mmap'd archive or, in tests, an
// in-memory buffer. Modeled on the teacher's chunkSourceAdapter, which
// wraps a tableReader the same way to give every chunk source a uniform
// get/iterate surface regardless of backing storage.
type layerSource struct {
	l    *layer.Layer
	blob []byte
}

func newLayerSource(l *layer.Layer, blob []byte) *layerSource {
	return &layerSource{l: l, blob: blob}
}

// Get returns the raw (decompressed) bytes of the chunk identified by h,
// or false if this layer does not physically store it.
func (ls *layerSource) Get(h hash.Hash) ([]byte, bool, error) {
	for _, span := range ls.l.ChunkTable {
		if span.Hash != h {
			continue
		}
		payload := layer.ChunkPayloadSlice(ls.blob, ls.l)
		if span.Offset+span.Length > uint64(len(payload)) {
			return nil, false, derrors.Corrupt.New("chunk span runs past end of layer payload")
		}
		raw, err := layer.Decompress(ls.l.Meta.Compression, payload[span.Offset:span.Offset+span.Length])
		if err != nil {
			return nil, false, err
		}
		return raw, true, nil
	}
	return nil, false, nil
}

// IterateAllChunksFast calls cb once per chunk this layer physically
// stores, in chunk-table order. Modeled on the teacher's
// chunkSourceAdapter.IterateAllChunksFast, which walks its tableReader's
// index the same way to support whole-archive verification/rebuild
// passes without random-access lookups per chunk.
func (ls *layerSource) IterateAllChunksFast(cb func(hash.Hash, []byte) error) error {
	payload := layer.ChunkPayloadSlice(ls.blob, ls.l)
	for _, span := range ls.l.ChunkTable {
		if span.Offset+span.Length > uint64(len(payload)) {
			return derrors.Corrupt.New("chunk span runs past end of layer payload")
		}
		raw, err := layer.Decompress(ls.l.Meta.Compression, payload[span.Offset:span.Offset+span.Length])
		if err != nil {
			return err
		}
		if err := cb(span.Hash, raw); err != nil {
			return err
		}
	}
	return nil
}
